package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
	"github.com/warp/society-ledger/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant generic.TenantID = "green-acres"

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	engine *billing.Engine
}

func member(id, unit string, area int64) generic.Member {
	return generic.Member{
		TenantID: tenant,
		ID:       generic.MemberID(id),
		UnitID:   unit,
		Area:     decimal.NewFromInt(area),
		Active:   true,
	}
}

// newFixture seeds the green-acres policy (3 + 1 per sqft, 2% tax, 18%
// simple interest, 5 day grace, due on the 10th) and the given members.
func newFixture(t *testing.T, members ...generic.Member) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveConfig(ctx, validConfig()))
	for _, m := range members {
		require.NoError(t, mem.SaveMember(ctx, m))
	}

	engine := billing.NewEngine(mem, mem, mem, nil)
	f := &fixture{ctx: ctx, store: mem, engine: engine}
	f.on(date(2024, time.March, 1))
	return f
}

func (f *fixture) on(day generic.TimePoint) {
	f.engine.SetClock(generic.FixedClock{Day: day})
}

func (f *fixture) run(t *testing.T, period generic.PeriodID) billing.CycleResult {
	t.Helper()
	res, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: period, CreatedBy: "admin"})
	require.NoError(t, err)
	return res
}

func (f *fixture) billOf(t *testing.T, period generic.PeriodID, memberID generic.MemberID) billing.Bill {
	t.Helper()
	bills, err := f.engine.ListBills(f.ctx, tenant, period)
	require.NoError(t, err)
	for _, b := range bills {
		if b.MemberID == memberID {
			return b
		}
	}
	t.Fatalf("no %s bill for %s", period, memberID)
	return billing.Bill{}
}

func (f *fixture) balance(t *testing.T, memberID generic.MemberID) string {
	t.Helper()
	bal, err := f.engine.LatestBalance(f.ctx, tenant, memberID)
	require.NoError(t, err)
	return bal.String()
}

func (f *fixture) assertContinuous(t *testing.T, memberID generic.MemberID) {
	t.Helper()
	report, err := f.engine.Ledger.Replay(f.ctx, tenant, memberID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "ledger of %s broken at %s", memberID, report.BrokenAt)
}

// =============================================================================
// RUN CYCLE
// =============================================================================

func TestRunCycle_BillsEveryMemberAndDebitsLedger(t *testing.T) {
	// GIVEN: A 1000 sqft flat at 3 + 1 per sqft with 2% tax
	// WHEN: The March cycle runs
	// THEN: One bill of 4080 due March 10, and the ledger is debited 4080

	f := newFixture(t, member("m-101", "A-101", 1000), member("m-102", "A-102", 500))

	res := f.run(t, "2024-03")

	assert.Equal(t, billing.StateDone, res.State)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Empty(t, res.FailedMembers)
	assert.Empty(t, res.NotAttempted)
	assert.False(t, res.Cancelled)
	assert.Len(t, res.BillsCreated, 2)
	assert.Equal(t, "6120.00", res.TotalBilled.String())

	bill := f.billOf(t, "2024-03", "m-101")
	assert.Equal(t, "4000.00", bill.Subtotal.String())
	assert.Equal(t, "80.00", bill.Tax.String())
	assert.Equal(t, "4080.00", bill.TotalAmount.String())
	assert.Equal(t, "4080.00", bill.BalanceAmount.String())
	assert.True(t, bill.AmountPaid.IsZero())
	assert.Equal(t, billing.StatusUnpaid, bill.Status)
	assert.Equal(t, date(2024, time.March, 10), bill.DueDate)
	assert.Equal(t, date(2024, time.March, 1), bill.BillDate)
	assert.Equal(t, "admin", bill.CreatedBy)

	entries, err := f.engine.Ledger.Entries(f.ctx, tenant, "m-101")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, generic.Debit, entries[0].Type)
	assert.Equal(t, generic.CategoryMaintenance, entries[0].Category)
	assert.Equal(t, bill.ID, entries[0].BillID)
	assert.Equal(t, "A-101", entries[0].UnitID)
	assert.Equal(t, "4080.00", f.balance(t, "m-101"))
}

func TestRunCycle_PaymentSettlesBill(t *testing.T) {
	// GIVEN: A 4080 bill
	// WHEN: The member pays 4080
	// THEN: The bill is Paid with balance 0 and the ledger balance is 0

	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	f.on(date(2024, time.March, 5))

	res, err := f.engine.RecordPayment(f.ctx, billing.PaymentRequest{
		TenantID:    tenant,
		MemberID:    "m-101",
		Amount:      money("4080"),
		PaymentMode: "UPI",
		Reference:   "UTR123",
	})
	require.NoError(t, err)

	require.Len(t, res.Settlements, 1)
	assert.Equal(t, billing.StatusPaid, res.Settlements[0].Status)
	assert.True(t, res.Advance.IsZero())
	assert.Equal(t, generic.Credit, res.Entry.Type)
	assert.Equal(t, generic.CategoryPayment, res.Entry.Category)
	assert.Equal(t, date(2024, time.March, 5), res.Entry.Date)

	bill := f.billOf(t, "2024-03", "m-101")
	assert.Equal(t, billing.StatusPaid, bill.Status)
	assert.True(t, bill.BalanceAmount.IsZero())
	assert.Equal(t, "0.00", f.balance(t, "m-101"))
	f.assertContinuous(t, "m-101")
}

func TestRunCycle_DuplicatePeriodIsRejected(t *testing.T) {
	// GIVEN: March already generated
	// WHEN: The March cycle runs again
	// THEN: ConflictError(ErrDuplicatePeriod), cycle Aborted, no new bills

	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")

	res, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-03"})

	require.Error(t, err)
	var ce *generic.ConflictError
	assert.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, generic.ErrDuplicatePeriod)
	assert.Equal(t, billing.StateAborted, res.State)

	n, err := f.store.CountBills(f.ctx, tenant, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "4080.00", f.balance(t, "m-101"))
}

func TestRunCycle_AbortsBeforeWriting(t *testing.T) {
	t.Run("invalid period", func(t *testing.T) {
		f := newFixture(t, member("m-101", "A-101", 1000))
		_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-3"})
		assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
	})

	t.Run("no members", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-03"})
		assert.ErrorIs(t, err, generic.ErrNoMembers)
		assert.True(t, generic.IsFatal(err))
	})

	t.Run("only inactive members", func(t *testing.T) {
		inactive := member("m-101", "A-101", 1000)
		inactive.Active = false
		f := newFixture(t, inactive)
		_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-03"})
		assert.ErrorIs(t, err, generic.ErrNoMembers)
	})

	t.Run("no active charge heads", func(t *testing.T) {
		f := newFixture(t, member("m-101", "A-101", 1000))
		cfg := validConfig()
		for i := range cfg.ChargeHeads {
			cfg.ChargeHeads[i].Disabled = true
		}
		require.NoError(t, f.store.SaveConfig(f.ctx, cfg))

		_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-03"})
		assert.ErrorIs(t, err, generic.ErrNoChargeHeads)
	})

	t.Run("invalid policy", func(t *testing.T) {
		f := newFixture(t, member("m-101", "A-101", 1000))
		cfg := validConfig()
		cfg.GracePeriodDays = 120
		require.NoError(t, f.store.SaveConfig(f.ctx, cfg))

		_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-03"})
		assert.ErrorIs(t, err, generic.ErrInvalidPolicy)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		f := newFixture(t, member("m-101", "A-101", 1000))
		_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: "nowhere", PeriodID: "2024-03"})
		assert.ErrorIs(t, err, generic.ErrTenantNotFound)
	})

	t.Run("ad-hoc charge for unknown member", func(t *testing.T) {
		f := newFixture(t, member("m-101", "A-101", 1000))
		_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{
			TenantID:     tenant,
			PeriodID:     "2024-03",
			AdHocCharges: map[generic.MemberID][]billing.Charge{"m-999": {{Name: "Fine", Amount: money("100")}}},
		})
		var ve *generic.ValidationError
		assert.ErrorAs(t, err, &ve)

		n, err := f.store.CountBills(f.ctx, tenant, "2024-03")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRunCycle_MemberFailureIsIsolated(t *testing.T) {
	// GIVEN: Three members, one with a corrupt (negative) area
	// WHEN: The cycle runs
	// THEN: Two bills, one failure with member, unit and stage; the failed
	//       member's ledger is untouched

	f := newFixture(t,
		member("m-101", "A-101", 1000),
		member("m-102", "A-102", -10),
		member("m-103", "A-103", 750),
	)

	res := f.run(t, "2024-03")

	assert.Equal(t, billing.StateDone, res.State)
	assert.Equal(t, 2, res.SuccessCount)
	require.Len(t, res.FailedMembers, 1)
	failure := res.FailedMembers[0]
	assert.Equal(t, generic.MemberID("m-102"), failure.MemberID)
	assert.Equal(t, "A-102", failure.UnitID)
	assert.Equal(t, billing.StageCharges, failure.Stage)
	assert.NotEmpty(t, failure.Error)

	bills, err := f.engine.ListBills(f.ctx, tenant, "2024-03")
	require.NoError(t, err)
	assert.Len(t, bills, 2)

	entries, err := f.engine.Ledger.Entries(f.ctx, tenant, "m-102")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCycle_AdHocChargesPerMember(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000), member("m-102", "A-102", 1000))

	_, err := f.engine.RunCycle(f.ctx, billing.CycleRequest{
		TenantID: tenant,
		PeriodID: "2024-03",
		AdHocCharges: map[generic.MemberID][]billing.Charge{
			"m-102": {{Name: "Clubhouse booking", Amount: money("1000")}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "4080.00", f.billOf(t, "2024-03", "m-101").TotalAmount.String())
	withFee := f.billOf(t, "2024-03", "m-102")
	require.Len(t, withFee.Charges, 3)
	assert.Equal(t, "Clubhouse booking", withFee.Charges[2].Name)
	assert.Equal(t, "5100.00", withFee.TotalAmount.String())
}

// cancellingStore cancels the cycle right after validation counted bills,
// so no member has started yet.
type cancellingStore struct {
	*store.Memory
	cancel context.CancelFunc
}

func (s *cancellingStore) CountBills(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error) {
	n, err := s.Memory.CountBills(ctx, tenantID, period)
	s.cancel()
	return n, err
}

func TestRunCycle_CancelledBeforeMembersStart(t *testing.T) {
	// GIVEN: A cycle whose context is cancelled as generation begins
	// WHEN: The cycle runs
	// THEN: Every member is reported NotAttempted and nothing is written

	f := newFixture(t, member("m-101", "A-101", 1000), member("m-102", "A-102", 800))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := billing.NewEngine(&cancellingStore{Memory: f.store, cancel: cancel}, f.store, f.store, nil)
	engine.SetClock(generic.FixedClock{Day: date(2024, time.March, 1)})

	res, err := engine.RunCycle(ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-03"})

	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.SuccessCount)
	assert.ElementsMatch(t, []generic.MemberID{"m-101", "m-102"}, res.NotAttempted)

	n, err := f.store.CountBills(f.ctx, tenant, "2024-03")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// barrierStore holds each arrears read until `want` members are reading at
// once, and counts the reads that gave up waiting.
type barrierStore struct {
	*store.Memory
	want int

	mu       sync.Mutex
	arrived  int
	timedOut int
	all      chan struct{}
}

func (s *barrierStore) ListOpenBills(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) ([]billing.Bill, error) {
	s.mu.Lock()
	s.arrived++
	if s.arrived == s.want {
		close(s.all)
	}
	s.mu.Unlock()

	select {
	case <-s.all:
	case <-time.After(2 * time.Second):
		s.mu.Lock()
		s.timedOut++
		s.mu.Unlock()
	}
	return s.Memory.ListOpenBills(ctx, tenantID, memberID)
}

func TestRunCycle_MembersAreBilledInParallel(t *testing.T) {
	// GIVEN: Two members and a store that blocks each arrears read until
	//        both members are computing
	// WHEN: The cycle runs
	// THEN: Both reads meet without timing out, so one member's bill is
	//       never computed while the other's store transaction is held

	f := newFixture(t, member("m-101", "A-101", 1000), member("m-102", "A-102", 500))
	barrier := &barrierStore{Memory: f.store, want: 2, all: make(chan struct{})}
	engine := billing.NewEngine(barrier, f.store, f.store, nil)
	engine.SetClock(generic.FixedClock{Day: date(2024, time.March, 1)})

	res, err := engine.RunCycle(f.ctx, billing.CycleRequest{TenantID: tenant, PeriodID: "2024-03"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 2, barrier.arrived)
	assert.Zero(t, barrier.timedOut, "members were computed one after another")
	f.assertContinuous(t, "m-101")
	f.assertContinuous(t, "m-102")
}

// =============================================================================
// ARREARS & INTEREST
// =============================================================================

func TestRunCycle_CarriesArrearsForwardWithInterest(t *testing.T) {
	// GIVEN: March bill of 4080 due March 10 (grace 5) left unpaid
	// WHEN: The April cycle runs on April 1
	// THEN: April bill = 4080 new + 4080 arrears + 416.16 interest
	//       (4080 * 0.18 * 17/30), March is Carried Forward, and the
	//       ledger only gains the new charges and the interest

	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	march := f.billOf(t, "2024-03", "m-101")

	f.on(date(2024, time.April, 1))
	f.run(t, "2024-04")

	april := f.billOf(t, "2024-04", "m-101")
	assert.Equal(t, "4080.00", april.PreviousArrears.String())
	assert.Equal(t, "416.16", april.Interest.String())
	assert.Equal(t, "8576.16", april.TotalAmount.String())
	assert.Equal(t, date(2024, time.March, 10), april.ArrearsSince)
	assert.Equal(t, date(2024, time.April, 1), april.InterestThrough)

	carried, err := f.engine.GetBill(f.ctx, tenant, march.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCarriedForward, carried.Status)
	assert.Equal(t, april.ID, carried.CarriedForwardTo)

	open, err := f.store.ListOpenBills(f.ctx, tenant, "m-101")
	require.NoError(t, err)
	require.Len(t, open, 1, "arrears must not be counted twice")
	assert.Equal(t, april.ID, open[0].ID)

	assert.Equal(t, "8576.16", f.balance(t, "m-101"))
	f.assertContinuous(t, "m-101")

	entries, err := f.engine.Ledger.Entries(f.ctx, tenant, "m-101")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, generic.CategoryInterest, entries[2].Category)
	assert.Equal(t, "416.16", entries[2].Amount.String())
}

func TestRunCycle_NoInterestWithinGrace(t *testing.T) {
	// GIVEN: March bill due March 10, grace 5
	// WHEN: The next cycle runs on March 15 (last grace day)
	// THEN: Arrears are carried but no interest is charged

	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")

	f.on(date(2024, time.March, 15))
	f.run(t, "2024-04")

	april := f.billOf(t, "2024-04", "m-101")
	assert.Equal(t, "4080.00", april.PreviousArrears.String())
	assert.True(t, april.Interest.IsZero())
}

func TestGetOutstanding_IncludesUnbilledInterest(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	f.on(date(2024, time.March, 25))

	out, err := f.engine.GetOutstanding(f.ctx, tenant, "m-101")
	require.NoError(t, err)

	// 10 days past the grace end of March 15
	assert.Equal(t, "4080.00", out.Principal.String())
	assert.Equal(t, "244.80", out.Interest.String())
	assert.Equal(t, "4324.80", out.Total.String())
	assert.Equal(t, 15, out.DaysOverdue)
	assert.Equal(t, 1, out.OpenBills)
	assert.Equal(t, date(2024, time.March, 25), out.AsOf)
}

func TestGetOutstanding_UnknownMember(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetOutstanding(f.ctx, tenant, "ghost")
	assert.ErrorIs(t, err, generic.ErrMemberNotFound)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_SettlesOldestFirstAndKeepsAdvance(t *testing.T) {
	// GIVEN: A 4080 bill already paid 1000 (Partial)
	// WHEN: A payment of 5000 arrives
	// THEN: The remaining 3080 settles the bill and 1920 stays as advance

	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")

	_, err := f.engine.RecordPayment(f.ctx, billing.PaymentRequest{
		TenantID: tenant, MemberID: "m-101", Amount: money("1000"), PaymentMode: "Cash",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPartial, f.billOf(t, "2024-03", "m-101").Status)

	f.on(date(2024, time.March, 12))
	res, err := f.engine.RecordPayment(f.ctx, billing.PaymentRequest{
		TenantID: tenant, MemberID: "m-101", Amount: money("5000"), PaymentMode: "Cheque",
	})
	require.NoError(t, err)

	require.Len(t, res.Settlements, 1)
	assert.Equal(t, "3080.00", res.Settlements[0].Applied.String())
	assert.Equal(t, billing.StatusPaid, res.Settlements[0].Status)
	assert.Equal(t, "1920.00", res.Advance.String())

	assert.Equal(t, "-1920.00", f.balance(t, "m-101"))
	f.assertContinuous(t, "m-101")
}

func TestRecordPayment_Rejected(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))

	_, err := f.engine.RecordPayment(f.ctx, billing.PaymentRequest{TenantID: tenant, MemberID: "m-101", Amount: money("0")})
	assert.ErrorIs(t, err, generic.ErrInvalidEntry)

	_, err = f.engine.RecordPayment(f.ctx, billing.PaymentRequest{TenantID: tenant, MemberID: "ghost", Amount: money("10")})
	assert.ErrorIs(t, err, generic.ErrMemberNotFound)
}

// =============================================================================
// FINALIZE, CORRECTIONS, DELETE
// =============================================================================

func TestFinalizePeriod_IsIdempotentAndLocksBills(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000), member("m-102", "A-102", 500))
	f.run(t, "2024-03")

	first, err := f.engine.FinalizePeriod(f.ctx, tenant, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 2, first.LockedCount)

	second, err := f.engine.FinalizePeriod(f.ctx, tenant, "2024-03")
	require.NoError(t, err)
	assert.Zero(t, second.LockedCount)

	bill := f.billOf(t, "2024-03", "m-101")
	assert.True(t, bill.IsLocked)

	notes := "corrected area"
	_, err = f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{Notes: &notes})
	assert.ErrorIs(t, err, generic.ErrLocked)
	var ce *generic.ConflictError
	assert.ErrorAs(t, err, &ce)

	_, err = f.engine.DeleteBill(f.ctx, tenant, bill.ID, "admin")
	assert.ErrorIs(t, err, generic.ErrLocked)

	// Settlement is still allowed on a locked bill
	_, err = f.engine.RecordPayment(f.ctx, billing.PaymentRequest{
		TenantID: tenant, MemberID: "m-101", Amount: money("4080"), PaymentMode: "NEFT",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, f.billOf(t, "2024-03", "m-101").Status)
}

func TestUpdateBill_UnlockedBill(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	bill := f.billOf(t, "2024-03", "m-101")

	due := date(2024, time.March, 20)
	notes := "due date extended"
	updated, err := f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{DueDate: &due, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, due, updated.DueDate)
	assert.Equal(t, notes, updated.Notes)

	carried := billing.StatusCarriedForward
	_, err = f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{Status: &carried})
	var ve *generic.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestUpdateBill_StatusCannotSettleDebt(t *testing.T) {
	// GIVEN: An unpaid March bill of 4080
	// WHEN: Someone patches it to Paid or Partial, then April is billed
	// THEN: The patches are rejected, March stays open, and April carries
	//       the 4080 so bills and outstanding agree with the ledger

	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	bill := f.billOf(t, "2024-03", "m-101")

	for _, status := range []billing.BillStatus{billing.StatusPaid, billing.StatusPartial} {
		s := status
		_, err := f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{Status: &s})
		assert.ErrorIs(t, err, generic.ErrInvalidEntry, string(s))
		assert.True(t, generic.IsClientError(err))
	}
	assert.Equal(t, billing.StatusUnpaid, f.billOf(t, "2024-03", "m-101").Status)

	// Unpaid <-> Overdue is a legitimate manual correction
	overdue, unpaid := billing.StatusOverdue, billing.StatusUnpaid
	updated, err := f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{Status: &overdue})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOverdue, updated.Status)
	updated, err = f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{Status: &unpaid})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusUnpaid, updated.Status)

	f.on(date(2024, time.April, 1))
	f.run(t, "2024-04")
	april := f.billOf(t, "2024-04", "m-101")
	assert.Equal(t, "4080.00", april.PreviousArrears.String())

	out, err := f.engine.GetOutstanding(f.ctx, tenant, "m-101")
	require.NoError(t, err)
	assert.Equal(t, f.balance(t, "m-101"), out.Principal.String())
}

func TestUpdateBill_PartlyPaidBillKeepsItsStatus(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	_, err := f.engine.RecordPayment(f.ctx, billing.PaymentRequest{
		TenantID: tenant, MemberID: "m-101", Amount: money("1000"), PaymentMode: "Cash",
	})
	require.NoError(t, err)
	bill := f.billOf(t, "2024-03", "m-101")
	require.Equal(t, billing.StatusPartial, bill.Status)

	for _, status := range []billing.BillStatus{billing.StatusUnpaid, billing.StatusOverdue, billing.StatusPaid} {
		s := status
		_, err := f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{Status: &s})
		assert.ErrorIs(t, err, generic.ErrInvalidEntry, string(s))
	}

	// Patching to the current status with other fields is still allowed
	partial := billing.StatusPartial
	notes := "remainder promised by month end"
	updated, err := f.engine.UpdateBill(f.ctx, tenant, bill.ID, billing.BillPatch{Status: &partial, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, notes, updated.Notes)
	assert.Equal(t, "1000.00", updated.AmountPaid.String())
}

func TestDeleteBill_ReversesEntriesAndAllowsRegeneration(t *testing.T) {
	// GIVEN: An unpaid March bill
	// WHEN: It is deleted
	// THEN: Its debit is flagged reversed and compensated, the balance is
	//       back to the opening balance, and March can be generated again

	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	bill := f.billOf(t, "2024-03", "m-101")

	res, err := f.engine.DeleteBill(f.ctx, tenant, bill.ID, "admin")
	require.NoError(t, err)
	require.Len(t, res.Reversed, 1)
	assert.Equal(t, generic.Credit, res.Reversed[0].Type)
	assert.Equal(t, generic.CategoryAdjustment, res.Reversed[0].Category)

	_, err = f.engine.GetBill(f.ctx, tenant, bill.ID)
	assert.ErrorIs(t, err, generic.ErrBillNotFound)
	assert.Equal(t, "0.00", f.balance(t, "m-101"))
	f.assertContinuous(t, "m-101")

	entries, err := f.engine.Ledger.Entries(f.ctx, tenant, "m-101")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsReversed)
	assert.Equal(t, entries[0].ID, entries[1].ReversalOf)

	res2 := f.run(t, "2024-03")
	assert.Equal(t, 1, res2.SuccessCount)
	assert.Equal(t, "4080.00", f.balance(t, "m-101"))
}

func TestDeleteBill_RestoresCarriedBills(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	march := f.billOf(t, "2024-03", "m-101")
	f.on(date(2024, time.April, 1))
	f.run(t, "2024-04")
	april := f.billOf(t, "2024-04", "m-101")

	res, err := f.engine.DeleteBill(f.ctx, tenant, april.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{march.ID}, res.Restored)
	assert.Len(t, res.Reversed, 2, "maintenance and interest debits")

	restored, err := f.engine.GetBill(f.ctx, tenant, march.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusUnpaid, restored.Status)
	assert.Empty(t, restored.CarriedForwardTo)
	assert.Equal(t, "4080.00", f.balance(t, "m-101"))
	f.assertContinuous(t, "m-101")
}

func TestDeleteBill_WithPaymentIsRejected(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")
	bill := f.billOf(t, "2024-03", "m-101")

	_, err := f.engine.RecordPayment(f.ctx, billing.PaymentRequest{
		TenantID: tenant, MemberID: "m-101", Amount: money("100"), PaymentMode: "Cash",
	})
	require.NoError(t, err)

	_, err = f.engine.DeleteBill(f.ctx, tenant, bill.ID, "admin")
	assert.ErrorIs(t, err, generic.ErrBillNotDeletable)
	assert.True(t, generic.IsConflict(err))
	assert.Equal(t, "3980.00", f.balance(t, "m-101"))
}

func TestDeletePeriod_RemovesAllBills(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000), member("m-102", "A-102", 500))
	f.run(t, "2024-03")

	n, err := f.engine.DeletePeriod(f.ctx, tenant, "2024-03", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := f.store.CountBills(f.ctx, tenant, "2024-03")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkOverdue(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03")

	n, err := f.engine.MarkOverdue(f.ctx, tenant, date(2024, time.March, 10))
	require.NoError(t, err)
	assert.Zero(t, n, "not overdue on the due date itself")

	n, err = f.engine.MarkOverdue(f.ctx, tenant, date(2024, time.March, 11))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, billing.StatusOverdue, f.billOf(t, "2024-03", "m-101").Status)
}

// =============================================================================
// QUERY
// =============================================================================

func TestQueryLedger_FinancialYearUsesTenantStartMonth(t *testing.T) {
	f := newFixture(t, member("m-101", "A-101", 1000))
	f.run(t, "2024-03") // FY 2023-24 (April start)
	f.on(date(2024, time.April, 2))
	_, err := f.engine.RecordPayment(f.ctx, billing.PaymentRequest{
		TenantID: tenant, MemberID: "m-101", Amount: money("4080"), PaymentMode: "UPI",
	})
	require.NoError(t, err)

	res, err := f.engine.QueryLedger(f.ctx, generic.Filter{TenantID: tenant, FinancialYear: "2024-25"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, generic.CategoryPayment, res.Entries[0].Category)
	assert.Equal(t, "CR", res.Summary.NetLabel)
}
