package generic_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/society-ledger/generic"
	"github.com/warp/society-ledger/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant generic.TenantID = "green-acres"

func date(y int, m time.Month, d int) generic.TimePoint { return generic.NewTimePoint(y, m, d) }

func money(s string) generic.Money { return generic.MustParseMoney(s) }

func newTestLedger(t *testing.T, members ...generic.Member) (*generic.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	for _, m := range members {
		require.NoError(t, mem.SaveMember(context.Background(), m))
	}
	ledger := generic.NewLedger(mem, mem)
	ledger.Clock = generic.FixedClock{Day: date(2024, time.March, 1)}
	return ledger, mem
}

func flat(id, unit string, opening string) generic.Member {
	return generic.Member{
		TenantID:       tenant,
		ID:             generic.MemberID(id),
		UnitID:         unit,
		Area:           decimal.NewFromInt(1000),
		OpeningBalance: money(opening),
		Active:         true,
	}
}

func debit(member string, amount string, on generic.TimePoint) generic.Entry {
	return generic.Entry{
		TenantID: tenant,
		MemberID: generic.MemberID(member),
		Date:     on,
		Type:     generic.Debit,
		Category: generic.CategoryMaintenance,
		Amount:   money(amount),
	}
}

func credit(member string, amount string, on generic.TimePoint) generic.Entry {
	return generic.Entry{
		TenantID:    tenant,
		MemberID:    generic.MemberID(member),
		Date:        on,
		Type:        generic.Credit,
		Category:    generic.CategoryPayment,
		Amount:      money(amount),
		PaymentMode: "UPI",
	}
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppend_RunningBalanceFromOpeningBalance(t *testing.T) {
	// GIVEN: A member who starts 500 in arrears
	// WHEN: A 4080 debit then a 3000 credit are appended
	// THEN: Balances are 4580 then 1580, seqs 1 and 2, unit copied from the member

	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "500"))
	ctx := context.Background()

	first, err := ledger.Append(ctx, debit("m-101", "4080", date(2024, time.March, 1)))
	require.NoError(t, err)
	second, err := ledger.Append(ctx, credit("m-101", "3000", date(2024, time.March, 8)))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "4580.00", first.BalanceAfter.String())
	assert.Equal(t, "A-101", first.UnitID)
	assert.NotEmpty(t, first.ID)

	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, "1580.00", second.BalanceAfter.String())

	bal, err := ledger.LatestBalance(ctx, tenant, "m-101")
	require.NoError(t, err)
	assert.Equal(t, "1580.00", bal.String())
}

func TestAppend_ZeroDateMeansToday(t *testing.T) {
	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "0"))

	e, err := ledger.Append(context.Background(), debit("m-101", "100", generic.TimePoint{}))
	require.NoError(t, err)
	assert.Equal(t, date(2024, time.March, 1), e.Date)
}

func TestAppend_RoundsAmountHalfUp(t *testing.T) {
	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "0"))

	e, err := ledger.Append(context.Background(), debit("m-101", "10.005", date(2024, time.March, 1)))
	require.NoError(t, err)
	assert.Equal(t, "10.01", e.Amount.String())
	assert.Equal(t, "10.01", e.BalanceAfter.String())
}

func TestAppend_Rejected(t *testing.T) {
	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "0"))
	ctx := context.Background()
	on := date(2024, time.March, 1)

	tests := []struct {
		name  string
		entry generic.Entry
		want  error
	}{
		{"zero amount", debit("m-101", "0", on), generic.ErrInvalidEntry},
		{"negative amount", debit("m-101", "-10", on), generic.ErrInvalidEntry},
		{"rounds to zero", debit("m-101", "0.004", on), generic.ErrInvalidEntry},
		{"unknown member", debit("m-999", "10", on), generic.ErrMemberNotFound},
		{"unknown category", func() generic.Entry {
			e := debit("m-101", "10", on)
			e.Category = "Donation"
			return e
		}(), generic.ErrInvalidEntry},
		{"unknown type", func() generic.Entry {
			e := debit("m-101", "10", on)
			e.Type = "Transfer"
			return e
		}(), generic.ErrInvalidEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Append(ctx, tt.entry)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	entries, err := ledger.Entries(ctx, tenant, "m-101")
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected entries must not be written")
}

func TestAppend_BackdatedEntryIsRejected(t *testing.T) {
	// GIVEN: A ledger whose latest entry is dated March 10
	// WHEN: An entry dated March 5 is appended
	// THEN: ErrBackdatedEntry; a same-day entry is still accepted

	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "0"))
	ctx := context.Background()
	_, err := ledger.Append(ctx, debit("m-101", "4080", date(2024, time.March, 10)))
	require.NoError(t, err)

	_, err = ledger.Append(ctx, credit("m-101", "100", date(2024, time.March, 5)))
	assert.ErrorIs(t, err, generic.ErrBackdatedEntry)
	var ve *generic.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = ledger.Append(ctx, credit("m-101", "100", date(2024, time.March, 10)))
	assert.NoError(t, err)
}

func TestAppend_ConcurrentAppendsStayContinuous(t *testing.T) {
	// GIVEN: 20 goroutines appending to the same member
	// WHEN: They all finish
	// THEN: Seqs are 1..20 and every BalanceAfter follows from the previous one

	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "0"))
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Append(ctx, debit("m-101", "10", generic.TimePoint{}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	report, err := ledger.Replay(ctx, tenant, "m-101")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, writers, report.Entries)
	assert.Equal(t, "200.00", report.FinalBalance.String())
}

func TestAppend_TwoLedgersOverOneStoreStayContinuous(t *testing.T) {
	// GIVEN: Two Ledgers sharing one store, as two processes would, so
	//        their in-process locks never see each other
	// WHEN: Each appends 100 entries for the same member concurrently
	// THEN: The store's sequence check makes losers retry, and the chain
	//       holds all 200 entries with a consistent running balance

	mem := store.NewMemory()
	require.NoError(t, mem.SaveMember(context.Background(), flat("m-101", "A-101", "0")))
	ctx := context.Background()

	const perLedger = 100
	var wg sync.WaitGroup
	errs := make(chan error, 2*perLedger)
	for i := 0; i < 2; i++ {
		ledger := generic.NewLedger(mem, mem)
		ledger.Clock = generic.FixedClock{Day: date(2024, time.March, 1)}
		ledger.MaxAttempts = 50
		for j := 0; j < perLedger; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ledger.Append(ctx, debit("m-101", "1", generic.TimePoint{}))
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	report, err := generic.NewLedger(mem, mem).Replay(ctx, tenant, "m-101")
	require.NoError(t, err)
	assert.True(t, report.Consistent, "broken at %s", report.BrokenAt)
	assert.Equal(t, 2*perLedger, report.Entries)
	assert.Equal(t, "200.00", report.FinalBalance.String())

	entries, err := mem.Entries(ctx, generic.MemberKey{TenantID: tenant, MemberID: "m-101"})
	require.NoError(t, err)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

// staleStore fails the first `failures` inserts as if another writer had
// moved the tail.
type staleStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *staleStore) Insert(ctx context.Context, entry generic.Entry) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return generic.ErrStaleBalance
	}
	return s.Memory.Insert(ctx, entry)
}

func TestAppend_RetriesStaleBalance(t *testing.T) {
	t.Run("succeeds within the attempt budget", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.SaveMember(context.Background(), flat("m-101", "A-101", "0")))
		stale := &staleStore{Memory: mem, failures: 2}
		ledger := generic.NewLedger(stale, mem)

		e, err := ledger.Append(context.Background(), debit("m-101", "10", date(2024, time.March, 1)))
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Seq)
		assert.Equal(t, 3, stale.calls)
	})

	t.Run("gives up with a concurrency error", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.SaveMember(context.Background(), flat("m-101", "A-101", "0")))
		stale := &staleStore{Memory: mem, failures: 100}
		ledger := generic.NewLedger(stale, mem)

		_, err := ledger.Append(context.Background(), debit("m-101", "10", date(2024, time.March, 1)))

		var ce *generic.ConcurrencyError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, generic.DefaultMaxAttempts, ce.Attempts)
		assert.ErrorIs(t, err, generic.ErrStaleBalance)
		assert.True(t, generic.IsRetryable(err))
	})
}

func TestSerialize_HonoursCancelledContext(t *testing.T) {
	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "0"))
	key := generic.MemberKey{TenantID: tenant, MemberID: "m-101"}

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = ledger.Serialize(context.Background(), key, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ledger.Serialize(ctx, key, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// REVERSAL & REPLAY
// =============================================================================

func TestReverse_CompensatesAndFlagsOriginals(t *testing.T) {
	ledger, mem := newTestLedger(t, flat("m-101", "A-101", "0"))
	ctx := context.Background()

	orig, err := ledger.Append(ctx, debit("m-101", "4080", date(2024, time.March, 1)))
	require.NoError(t, err)

	comps, err := ledger.Reverse(ctx, mem, []generic.Entry{orig}, "Reversal of bill 2024-03", "admin")
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, generic.Credit, comps[0].Type)
	assert.Equal(t, generic.CategoryAdjustment, comps[0].Category)
	assert.Equal(t, orig.ID, comps[0].ReversalOf)
	assert.Equal(t, "0.00", comps[0].BalanceAfter.String())

	entries, err := ledger.Entries(ctx, tenant, "m-101")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsReversed)
	assert.False(t, entries[1].IsReversed)

	// A second reversal of the already reversed entry is a no-op
	again, err := ledger.Reverse(ctx, mem, entries[:1], "again", "admin")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReplay_DetectsBrokenChain(t *testing.T) {
	ledger, mem := newTestLedger(t, flat("m-101", "A-101", "0"))
	ctx := context.Background()

	_, err := ledger.Append(ctx, debit("m-101", "100", date(2024, time.March, 1)))
	require.NoError(t, err)

	// Written behind the ledger's back with a wrong running balance
	tampered := debit("m-101", "50", date(2024, time.March, 2))
	tampered.ID = "tampered"
	tampered.Seq = 2
	tampered.BalanceAfter = money("175")
	require.NoError(t, mem.Insert(ctx, tampered))

	report, err := ledger.Replay(ctx, tenant, "m-101")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, generic.EntryID("tampered"), report.BrokenAt)
	require.NotNil(t, report.Expected)
	assert.Equal(t, "150.00", report.Expected.String())
}

func TestLatestBalance_NoEntriesIsOpeningBalance(t *testing.T) {
	ledger, _ := newTestLedger(t, flat("m-101", "A-101", "-250"))

	bal, err := ledger.LatestBalance(context.Background(), tenant, "m-101")
	require.NoError(t, err)
	assert.Equal(t, "-250.00", bal.String())

	_, err = ledger.LatestBalance(context.Background(), tenant, "ghost")
	assert.ErrorIs(t, err, generic.ErrMemberNotFound)
}
