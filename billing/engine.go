/*
engine.go - Billing cycle orchestration

PURPOSE:
  The Engine turns a tenant's policy and member list into one bill per
  member for a period, debiting each member's ledger in the same atomic
  unit as the bill write.

STATE MACHINE (per RunCycle call, held in cycleRun):
  Idle → Validating → Generating → Aggregating → Done
  Validating can end in Aborted (bad period, bad policy, no members, no
  active heads, period already generated). Nothing is written then.

PER MEMBER (Generating):
  Under the member's ledger lock:
    1. ResolveArrears   - open bills of the member
    2. AccruedInterest  - interest on arrears not yet charged
    3. ComputeCharges   - heads + ad-hoc lines, subtotal, tax
  then, in one store transaction:
    4. CreateBill       - total = subtotal + tax + arrears + interest
    5. CarryForward     - absorbed bills now point at the new bill
    6. Ledger debits    - Maintenance (subtotal + tax), Interest (if any)
  Steps 1-3 read outside the transaction. The member lock keeps this
  member's other writers out, and members never wait on each other's
  computation.
  Previous arrears are already on the ledger from earlier cycles, so
  only new charges are debited.

FAILURE ISOLATION:
  A member failure rolls back that member's transaction and is recorded
  with member id, unit and stage. Other members carry on.

CONCURRENCY:
  - Members are fanned out over an errgroup limited to cfg.Workers
  - Cancellation is checked before each member starts; skipped members
    are reported in NotAttempted and nothing is rolled back
  - A started member finishes on a detached context bounded by the
    per-member timeout. A timeout is a failure, not retried

SEE ALSO:
  - cycle.go: Run state and result
  - payments.go: Payment settlement and bill corrections
  - generic/ledger.go: Per-member serialization
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/society-ledger/generic"
	"github.com/warp/society-ledger/metrics"
)

// Member outcomes reported to metrics.
const (
	outcomeBilled  = "billed"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine holds collaborators only. Per-run state lives in cycleRun.
type Engine struct {
	Store   Store
	Ledger  *generic.Ledger
	Configs ConfigProvider
	Members generic.MemberDirectory
	Clock   generic.Clock
	Logger  *zap.Logger
}

func NewEngine(store Store, configs ConfigProvider, members generic.MemberDirectory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:   store,
		Ledger:  generic.NewLedger(store, members),
		Configs: configs,
		Members: members,
		Clock:   generic.SystemClock{},
		Logger:  logger,
	}
}

// SetClock pins "today" for the engine and its ledger.
func (e *Engine) SetClock(c generic.Clock) {
	e.Clock = c
	e.Ledger.Clock = c
}

// Today is the engine clock's date.
func (e *Engine) Today() generic.TimePoint {
	if e.Clock == nil {
		return generic.Today()
	}
	return e.Clock.Today()
}

// config loads and validates the tenant policy.
func (e *Engine) config(ctx context.Context, tenantID generic.TenantID) (TenantConfig, error) {
	cfg, err := e.Configs.GetConfig(ctx, tenantID)
	if err != nil {
		return TenantConfig{}, fmt.Errorf("load config for %s: %w", tenantID, err)
	}
	return cfg.Validate()
}

// =============================================================================
// RUN CYCLE
// =============================================================================

// RunCycle generates the period's bills. A non-nil error means the cycle was
// aborted before any write; per-member failures are in the result.
func (e *Engine) RunCycle(ctx context.Context, req CycleRequest) (CycleResult, error) {
	run := newCycleRun(req)
	log := e.Logger.With(
		zap.String("tenant", string(req.TenantID)),
		zap.String("period", string(req.PeriodID)),
	)

	e.advance(run, log, StateValidating)
	if err := e.validateCycle(ctx, run); err != nil {
		e.advance(run, log, StateAborted)
		log.Warn("billing cycle aborted", zap.Error(err))
		metrics.ObserveCycle(string(StateAborted), run.started)
		return run.result(), err
	}

	e.advance(run, log, StateGenerating)
	e.generate(ctx, run, log)

	e.advance(run, log, StateAggregating)
	e.advance(run, log, StateDone)
	res := run.result()

	log.Info("billing cycle finished",
		zap.Int("members", len(run.members)),
		zap.Int("billed", res.SuccessCount),
		zap.Int("failed", len(res.FailedMembers)),
		zap.Int("not_attempted", len(res.NotAttempted)),
		zap.String("total_billed", res.TotalBilled.String()),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	)
	metrics.ObserveCycle(string(StateDone), run.started)
	return res, nil
}

func (e *Engine) advance(run *cycleRun, log *zap.Logger, to CycleState) {
	from := run.transition(to)
	log.Debug("cycle state", zap.String("from", string(from)), zap.String("to", string(to)))
}

func (e *Engine) validateCycle(ctx context.Context, run *cycleRun) error {
	req := run.req
	if req.TenantID == "" {
		return generic.NewValidationError("tenant_id", "required", generic.ErrTenantNotFound)
	}
	period, err := generic.ParsePeriodID(string(req.PeriodID))
	if err != nil {
		return generic.NewValidationError("period_id", err.Error(), generic.ErrInvalidPeriod)
	}

	cfg, err := e.config(ctx, req.TenantID)
	if err != nil {
		return err
	}
	if len(cfg.ActiveHeads()) == 0 {
		return &generic.FatalError{Reason: fmt.Sprintf("tenant %s has no active charge heads", req.TenantID), Err: generic.ErrNoChargeHeads}
	}

	all, err := e.Members.ListMembers(ctx, req.TenantID)
	if err != nil {
		return fmt.Errorf("list members of %s: %w", req.TenantID, err)
	}
	members := lo.Filter(all, func(m generic.Member, _ int) bool { return m.Active })
	if len(members) == 0 {
		return &generic.FatalError{Reason: fmt.Sprintf("tenant %s has no active members", req.TenantID), Err: generic.ErrNoMembers}
	}

	known := lo.SliceToMap(members, func(m generic.Member) (generic.MemberID, bool) { return m.ID, true })
	for id := range req.AdHocCharges {
		if !known[id] {
			return generic.NewValidationError("ad_hoc_charges",
				fmt.Sprintf("member %s is not an active member of %s", id, req.TenantID), generic.ErrMemberNotFound)
		}
	}

	existing, err := e.Store.CountBills(ctx, req.TenantID, period)
	if err != nil {
		return fmt.Errorf("count bills for %s: %w", period, err)
	}
	if existing > 0 {
		return &generic.ConflictError{
			Resource: "period",
			Key:      fmt.Sprintf("%s/%s", req.TenantID, period),
			Err:      generic.ErrDuplicatePeriod,
		}
	}

	run.req.PeriodID = period
	run.cfg = cfg
	run.members = members
	run.billDate = e.Today()
	run.dueDate = cfg.DueDate(period)
	return nil
}

// generate fans out over members with a bounded pool. Workers never return
// errors: failures are recorded on the run so every member is accounted for.
func (e *Engine) generate(ctx context.Context, run *cycleRun, log *zap.Logger) {
	var g errgroup.Group
	g.SetLimit(run.cfg.WorkerLimit())

	for _, m := range run.members {
		if ctx.Err() != nil {
			run.skip(m)
			metrics.ObserveMember(outcomeSkipped)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				run.skip(m)
				metrics.ObserveMember(outcomeSkipped)
				return nil
			}
			e.billMember(ctx, run, m, log)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		log.Warn("billing cycle cancelled, remaining members not attempted", zap.Error(ctx.Err()))
	}
}

func (e *Engine) billMember(ctx context.Context, run *cycleRun, m generic.Member, log *zap.Logger) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), run.cfg.MemberTimeout())
	defer cancel()

	bill, stage, err := e.generateBill(mctx, run, m)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			stage = StageTimeout
		}
		merr := &generic.MemberError{MemberID: m.ID, UnitID: m.UnitID, Stage: stage, Err: err}
		run.fail(m, stage, err)
		log.Warn("member billing failed",
			zap.String("member", string(m.ID)),
			zap.String("unit", m.UnitID),
			zap.String("stage", stage),
			zap.Error(merr),
		)
		metrics.ObserveMember(outcomeFailed)
		return
	}

	run.succeed(bill)
	metrics.ObserveMember(outcomeBilled)
	billed, _ := bill.TotalAmount.Value.Float64()
	metrics.AddBilled(string(m.TenantID), billed)
}

// generateBill computes the member's bill under the member's ledger lock and
// writes it in one short transaction. Reads happen outside the transaction:
// the lock already keeps every other writer of this member out, and a store
// whose transactions are serial must not hold other members back while this
// one is computing.
func (e *Engine) generateBill(ctx context.Context, run *cycleRun, m generic.Member) (Bill, string, error) {
	var bill Bill
	stage := StageArrears

	err := e.Ledger.Serialize(ctx, m.Key(), func() error {
		stage = StageArrears
		arrears, err := ResolveArrears(ctx, e.Store, m.TenantID, m.ID)
		if err != nil {
			return err
		}

		stage = StageInterest
		interest, err := AccruedInterest(run.cfg, arrears.Total,
			arrears.OldestUnpaidDueDate, arrears.InterestThrough, run.billDate)
		if err != nil {
			return err
		}

		stage = StageCharges
		breakdown, err := ComputeCharges(m, run.cfg, run.req.AdHocCharges[m.ID])
		if err != nil {
			return err
		}

		stage = StagePersist
		bill = newBill(run, m, breakdown, arrears, interest)
		return e.Store.WithTx(ctx, func(tx Store) error {
			return e.persistBill(ctx, tx, bill, arrears)
		})
	})
	return bill, stage, err
}

func newBill(run *cycleRun, m generic.Member, breakdown Breakdown, arrears Arrears, interest generic.Money) Bill {
	now := time.Now().UTC()
	total := breakdown.Subtotal.Add(breakdown.Tax).Add(arrears.Total).Add(interest)
	bill := Bill{
		ID:              uuid.NewString(),
		TenantID:        m.TenantID,
		MemberID:        m.ID,
		UnitID:          m.UnitID,
		PeriodID:        run.req.PeriodID,
		BillDate:        run.billDate,
		DueDate:         run.dueDate,
		Charges:         breakdown.Lines,
		Subtotal:        breakdown.Subtotal,
		Tax:             breakdown.Tax,
		PreviousArrears: arrears.Total,
		Interest:        interest,
		TotalAmount:     total,
		AmountPaid:      generic.Zero(),
		BalanceAmount:   total,
		Status:          StatusUnpaid,
		CreatedBy:       run.req.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if arrears.Total.IsPositive() {
		bill.ArrearsSince = arrears.OldestUnpaidDueDate
		bill.InterestThrough = run.billDate
	}
	return bill
}

func (e *Engine) persistBill(ctx context.Context, tx Store, bill Bill, arrears Arrears) error {
	if err := tx.CreateBill(ctx, bill); err != nil {
		if errors.Is(err, generic.ErrDuplicatePeriod) {
			return &generic.ConflictError{Resource: "bill", Key: fmt.Sprintf("%s/%s", bill.MemberID, bill.PeriodID), Err: err}
		}
		return err
	}

	if len(arrears.Bills) > 0 {
		ids := lo.Map(arrears.Bills, func(b Bill, _ int) string { return b.ID })
		if err := tx.CarryForward(ctx, bill.TenantID, ids, bill.ID); err != nil {
			return fmt.Errorf("carry forward arrears: %w", err)
		}
	}

	if charges := bill.NewCharges(); charges.IsPositive() {
		if _, err := e.Ledger.AppendTo(ctx, tx, generic.Entry{
			TenantID:  bill.TenantID,
			MemberID:  bill.MemberID,
			Date:      bill.BillDate,
			Type:      generic.Debit,
			Category:  generic.CategoryMaintenance,
			Amount:    charges,
			BillID:    bill.ID,
			Narration: fmt.Sprintf("Maintenance bill %s", bill.PeriodID),
			CreatedBy: bill.CreatedBy,
		}); err != nil {
			return fmt.Errorf("debit maintenance: %w", err)
		}
	}

	if bill.Interest.IsPositive() {
		if _, err := e.Ledger.AppendTo(ctx, tx, generic.Entry{
			TenantID:  bill.TenantID,
			MemberID:  bill.MemberID,
			Date:      bill.BillDate,
			Type:      generic.Debit,
			Category:  generic.CategoryInterest,
			Amount:    bill.Interest,
			BillID:    bill.ID,
			Narration: fmt.Sprintf("Interest on arrears since %s", bill.ArrearsSince),
			CreatedBy: bill.CreatedBy,
		}); err != nil {
			return fmt.Errorf("debit interest: %w", err)
		}
	}
	return nil
}

// =============================================================================
// FINALIZE
// =============================================================================

type FinalizeResult struct {
	TenantID    generic.TenantID `json:"tenant_id"`
	PeriodID    generic.PeriodID `json:"period_id"`
	LockedCount int              `json:"locked_count"`
}

// FinalizePeriod locks the period's bills. Idempotent: a second call locks 0.
func (e *Engine) FinalizePeriod(ctx context.Context, tenantID generic.TenantID, periodID generic.PeriodID) (FinalizeResult, error) {
	period, err := generic.ParsePeriodID(string(periodID))
	if err != nil {
		return FinalizeResult{}, generic.NewValidationError("period_id", err.Error(), generic.ErrInvalidPeriod)
	}
	n, err := e.Store.LockPeriod(ctx, tenantID, period)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("lock period %s: %w", period, err)
	}
	metrics.AddLocked(string(tenantID), n)
	e.Logger.Info("period finalized",
		zap.String("tenant", string(tenantID)),
		zap.String("period", string(period)),
		zap.Int("locked", n),
	)
	return FinalizeResult{TenantID: tenantID, PeriodID: period, LockedCount: n}, nil
}

// =============================================================================
// READS
// =============================================================================

// Outstanding is a member's position as of a date, including interest
// accrued since it was last billed.
type Outstanding struct {
	TenantID      generic.TenantID  `json:"tenant_id"`
	MemberID      generic.MemberID  `json:"member_id"`
	Principal     generic.Money     `json:"principal"`
	Interest      generic.Money     `json:"interest"`
	DaysOverdue   int               `json:"days_overdue"`
	Total         generic.Money     `json:"total"`
	OpenBills     int               `json:"open_bills"`
	OldestDueDate generic.TimePoint `json:"oldest_due_date"`
	AsOf          generic.TimePoint `json:"as_of"`
}

func (e *Engine) GetOutstanding(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) (Outstanding, error) {
	if _, err := e.Members.GetMember(ctx, tenantID, memberID); err != nil {
		return Outstanding{}, err
	}
	cfg, err := e.config(ctx, tenantID)
	if err != nil {
		return Outstanding{}, err
	}
	arrears, err := ResolveArrears(ctx, e.Store, tenantID, memberID)
	if err != nil {
		return Outstanding{}, err
	}

	asOf := e.Today()
	interest, err := AccruedInterest(cfg, arrears.Total, arrears.OldestUnpaidDueDate, arrears.InterestThrough, asOf)
	if err != nil {
		return Outstanding{}, err
	}

	out := Outstanding{
		TenantID:      tenantID,
		MemberID:      memberID,
		Principal:     arrears.Total,
		Interest:      interest,
		Total:         arrears.Total.Add(interest),
		OpenBills:     arrears.UnpaidCount,
		OldestDueDate: arrears.OldestUnpaidDueDate,
		AsOf:          asOf,
	}
	if !arrears.OldestUnpaidDueDate.IsZero() && asOf.After(arrears.OldestUnpaidDueDate) {
		out.DaysOverdue = generic.DaysBetween(arrears.OldestUnpaidDueDate, asOf)
	}
	return out, nil
}

// QueryLedger runs filter, resolving financial-year labels with the
// tenant's fiscal year start.
func (e *Engine) QueryLedger(ctx context.Context, filter generic.Filter) (generic.QueryResult, error) {
	if filter.FinancialYear != "" && filter.FiscalYear.FiscalYearStartMonth == 0 {
		cfg, err := e.Configs.GetConfig(ctx, filter.TenantID)
		switch {
		case err == nil:
			filter.FiscalYear = cfg.WithDefaults().FiscalYear()
		case !errors.Is(err, generic.ErrTenantNotFound):
			return generic.QueryResult{}, err
		}
	}
	return e.Ledger.Query(ctx, filter)
}

func (e *Engine) LatestBalance(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) (generic.Money, error) {
	return e.Ledger.LatestBalance(ctx, tenantID, memberID)
}

func (e *Engine) GetBill(ctx context.Context, tenantID generic.TenantID, billID string) (Bill, error) {
	return e.Store.GetBill(ctx, tenantID, billID)
}

func (e *Engine) ListBills(ctx context.Context, tenantID generic.TenantID, periodID generic.PeriodID) ([]Bill, error) {
	period, err := generic.ParsePeriodID(string(periodID))
	if err != nil {
		return nil, generic.NewValidationError("period_id", err.Error(), generic.ErrInvalidPeriod)
	}
	return e.Store.ListBills(ctx, tenantID, period)
}
