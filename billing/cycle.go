package billing

import (
	"sort"
	"sync"
	"time"

	"github.com/warp/society-ledger/generic"
)

// CycleState is a step of the billing cycle state machine:
//
//	Idle → Validating → Generating → Aggregating → Done
//	            └──────────────────────────────→ Aborted
type CycleState string

const (
	StateIdle        CycleState = "Idle"
	StateValidating  CycleState = "Validating"
	StateGenerating  CycleState = "Generating"
	StateAggregating CycleState = "Aggregating"
	StateDone        CycleState = "Done"
	StateAborted     CycleState = "Aborted"
)

// Stages a member can fail in. Reported in MemberFailure.Stage.
const (
	StageArrears  = "arrears"
	StageInterest = "interest"
	StageCharges  = "charges"
	StagePersist  = "persist"
	StageTimeout  = "timeout"
)

// CycleRequest asks for one period's bills for one tenant.
type CycleRequest struct {
	TenantID generic.TenantID
	PeriodID generic.PeriodID

	// AdHocCharges are appended after the configured heads, per member.
	AdHocCharges map[generic.MemberID][]Charge

	CreatedBy string
}

// MemberFailure is one member that got no bill, with enough context to act on.
type MemberFailure struct {
	MemberID generic.MemberID `json:"member_id"`
	UnitID   string           `json:"unit_id"`
	Stage    string           `json:"stage"`
	Error    string           `json:"error"`
}

// CycleResult aggregates a cycle. Every member appears exactly once across
// SuccessCount, FailedMembers and NotAttempted.
type CycleResult struct {
	TenantID      generic.TenantID   `json:"tenant_id"`
	PeriodID      generic.PeriodID   `json:"period_id"`
	State         CycleState         `json:"state"`
	SuccessCount  int                `json:"success_count"`
	FailedMembers []MemberFailure    `json:"failed_members"`
	NotAttempted  []generic.MemberID `json:"not_attempted,omitempty"`
	Cancelled     bool               `json:"cancelled,omitempty"`
	BillsCreated  []string           `json:"bills_created"`
	TotalBilled   generic.Money      `json:"total_billed"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
}

// cycleRun is the mutable state of one RunCycle call. The Engine itself
// holds none, so concurrent cycles for different tenants never share it.
type cycleRun struct {
	req      CycleRequest
	cfg      TenantConfig
	members  []generic.Member
	billDate generic.TimePoint
	dueDate  generic.TimePoint
	started  time.Time

	mu           sync.Mutex
	state        CycleState
	bills        []Bill
	failed       []MemberFailure
	notAttempted []generic.MemberID
	cancelled    bool
}

func newCycleRun(req CycleRequest) *cycleRun {
	return &cycleRun{req: req, state: StateIdle, started: time.Now().UTC()}
}

func (r *cycleRun) transition(to CycleState) CycleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state
	r.state = to
	return from
}

func (r *cycleRun) succeed(b Bill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bills = append(r.bills, b)
}

func (r *cycleRun) fail(m generic.Member, stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, MemberFailure{
		MemberID: m.ID,
		UnitID:   m.UnitID,
		Stage:    stage,
		Error:    err.Error(),
	})
}

func (r *cycleRun) skip(m generic.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notAttempted = append(r.notAttempted, m.ID)
	r.cancelled = true
}

// result snapshots the run. Slices are ordered by unit for stable output.
func (r *cycleRun) result() CycleResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	sort.Slice(r.bills, func(i, j int) bool { return r.bills[i].UnitID < r.bills[j].UnitID })
	sort.Slice(r.failed, func(i, j int) bool { return r.failed[i].UnitID < r.failed[j].UnitID })
	sort.Slice(r.notAttempted, func(i, j int) bool { return r.notAttempted[i] < r.notAttempted[j] })

	res := CycleResult{
		TenantID:      r.req.TenantID,
		PeriodID:      r.req.PeriodID,
		State:         r.state,
		SuccessCount:  len(r.bills),
		FailedMembers: append([]MemberFailure{}, r.failed...),
		NotAttempted:  append([]generic.MemberID{}, r.notAttempted...),
		Cancelled:     r.cancelled,
		BillsCreated:  make([]string, 0, len(r.bills)),
		TotalBilled:   generic.Zero(),
		StartedAt:     r.started,
		FinishedAt:    time.Now().UTC(),
	}
	for _, b := range r.bills {
		res.BillsCreated = append(res.BillsCreated, b.ID)
		res.TotalBilled = res.TotalBilled.Add(b.TotalAmount)
	}
	return res
}
