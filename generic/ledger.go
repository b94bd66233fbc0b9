/*
ledger.go - Append-only per-member ledger with a running balance

PURPOSE:
  The Ledger is the single write path for money movements. Bill debits,
  payment credits, interest, adjustments and reversals all go through
  Append (or AppendTo inside a caller's transaction), so the running
  balance invariant is enforced in exactly one place.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never edited or removed
  2. CONTINUITY: For a member ordered by (Date, Seq):
       BalanceAfter[i] = BalanceAfter[i-1] + Amount (Debit) or - Amount (Credit)
     with the member's opening balance before the first entry
  3. MONOTONE DATES: An entry is never dated before the member's tail
  4. SERIAL PER MEMBER: Two writers never compute from the same tail

SERIALIZATION:
  Same-member writes are serialized twice over:
  - An in-process keyed mutex (memberLocks) so local writers queue
  - Compare-and-swap on Seq in the Store so writers in other processes
    lose with ErrStaleBalance and retry from the new tail
  Different members never share a lock, so batch generation stays parallel.

CORRECTIONS:
  Reverse flags the original entries and appends opposite compensating
  entries. Both stay in the ledger; the net effect is the correction.

SEE ALSO:
  - store.go: Persistence interface
  - query.go: Multi-filter query and aggregation
  - billing/engine.go: Bill debit + bill creation as one atomic unit
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/society-ledger/metrics"
)

// DefaultMaxAttempts bounds stale-balance retries per append.
const DefaultMaxAttempts = 3

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store   Store
	Members MemberDirectory
	Clock   Clock

	// MaxAttempts bounds stale-balance retries. Zero means DefaultMaxAttempts.
	MaxAttempts int

	locks memberLocks
}

func NewLedger(store Store, members MemberDirectory) *Ledger {
	return &Ledger{Store: store, Members: members, Clock: SystemClock{}}
}

func (l *Ledger) maxAttempts() int {
	if l.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return l.MaxAttempts
}

func (l *Ledger) today() TimePoint {
	if l.Clock == nil {
		return Today()
	}
	return l.Clock.Today()
}

// Append validates entry, computes its running balance from the member's
// tail and persists it. Serialized per member; retried on stale tails.
func (l *Ledger) Append(ctx context.Context, entry Entry) (Entry, error) {
	var stored Entry
	err := l.Serialize(ctx, entry.Key(), func() error {
		var err error
		stored, err = l.AppendTo(ctx, l.Store, entry)
		return err
	})
	return stored, err
}

// Serialize runs fn while holding the member's lock. When fn fails with
// ErrStaleBalance it is run again, up to MaxAttempts times in total, after
// which a ConcurrencyError is returned. fn must be safe to repeat, which
// holds for a transaction that rolled back.
func (l *Ledger) Serialize(ctx context.Context, key MemberKey, fn func() error) error {
	waitStart := time.Now()
	unlock, err := l.locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock ledger %s: %w", key, err)
	}
	defer unlock()
	metrics.ObserveLockWait(waitStart)

	attempts := l.maxAttempts()
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, ErrStaleBalance) {
			return err
		}
		metrics.ObserveRetry()
		if attempt >= attempts {
			return &ConcurrencyError{Key: key, Attempts: attempt, Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

// AppendTo performs the append against s, which is usually the store view of
// a transaction the caller opened. The caller holds Serialize for the member.
func (l *Ledger) AppendTo(ctx context.Context, s Store, entry Entry) (Entry, error) {
	stored, err := l.appendTo(ctx, s, entry)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveAppend(string(entry.Category), result)
	return stored, err
}

func (l *Ledger) appendTo(ctx context.Context, s Store, entry Entry) (Entry, error) {
	if err := validateEntry(&entry); err != nil {
		return Entry{}, err
	}

	// Stores that can also serve members are asked through the same view,
	// so a single-connection database is not entered twice.
	members := l.Members
	if dir, ok := s.(MemberDirectory); ok {
		members = dir
	}
	member, err := members.GetMember(ctx, entry.TenantID, entry.MemberID)
	if err != nil {
		return Entry{}, err
	}

	tail, err := s.Tail(ctx, entry.Key())
	if err != nil {
		return Entry{}, fmt.Errorf("read ledger tail %s: %w", entry.Key(), err)
	}

	if entry.Date.IsZero() {
		entry.Date = l.today()
	}
	if !tail.Empty() && entry.Date.Before(tail.Date) {
		return Entry{}, NewValidationError("date",
			fmt.Sprintf("%s is before the latest entry on %s", entry.Date, tail.Date), ErrBackdatedEntry)
	}

	base := member.OpeningBalance
	if !tail.Empty() {
		base = tail.Balance
	}

	if entry.ID == "" {
		entry.ID = EntryID(uuid.NewString())
	}
	entry.UnitID = member.UnitID
	entry.Seq = tail.Seq + 1
	entry.BalanceAfter = base.Add(entry.Signed()).Round()
	entry.IsReversed = false
	entry.CreatedAt = time.Now().UTC()

	if err := s.Insert(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func validateEntry(entry *Entry) error {
	if entry.TenantID == "" || entry.MemberID == "" {
		return NewValidationError("member_id", "tenant and member are required", ErrInvalidEntry)
	}
	if entry.Type != Debit && entry.Type != Credit {
		return NewValidationError("type", fmt.Sprintf("unknown entry type %q", entry.Type), ErrInvalidEntry)
	}
	if !entry.Category.Valid() {
		return NewValidationError("category", fmt.Sprintf("unknown category %q", entry.Category), ErrInvalidEntry)
	}
	entry.Amount = entry.Amount.Round()
	if !entry.Amount.IsPositive() {
		return NewValidationError("amount", "must be positive", ErrInvalidEntry)
	}
	return nil
}

// =============================================================================
// BALANCE READS
// =============================================================================

// LatestBalance returns the balance after the most recent non-reversed
// entry, or the member's opening balance if there is none.
func (l *Ledger) LatestBalance(ctx context.Context, tenantID TenantID, memberID MemberID) (Money, error) {
	member, err := l.Members.GetMember(ctx, tenantID, memberID)
	if err != nil {
		return Money{}, err
	}
	entries, err := l.Store.Entries(ctx, member.Key())
	if err != nil {
		return Money{}, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].IsReversed {
			return entries[i].BalanceAfter, nil
		}
	}
	return member.OpeningBalance, nil
}

// Entries returns a member's full history ordered by (Date, Seq).
func (l *Ledger) Entries(ctx context.Context, tenantID TenantID, memberID MemberID) ([]Entry, error) {
	return l.Store.Entries(ctx, MemberKey{TenantID: tenantID, MemberID: memberID})
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse flags originals as reversed and appends one compensating entry per
// original (opposite type, category Adjustment). Runs against s so it can
// share a transaction; the caller holds Serialize for the member.
func (l *Ledger) Reverse(ctx context.Context, s Store, originals []Entry, narration, createdBy string) ([]Entry, error) {
	var ids []EntryID
	var compensations []Entry
	for _, orig := range originals {
		if orig.IsReversed {
			continue
		}
		reversedType := Credit
		if orig.Type == Credit {
			reversedType = Debit
		}
		comp, err := l.AppendTo(ctx, s, Entry{
			TenantID:   orig.TenantID,
			MemberID:   orig.MemberID,
			Type:       reversedType,
			Category:   CategoryAdjustment,
			Amount:     orig.Amount,
			BillID:     orig.BillID,
			Reference:  string(orig.ID),
			Narration:  narration,
			ReversalOf: orig.ID,
			CreatedBy:  createdBy,
		})
		if err != nil {
			return nil, fmt.Errorf("compensate entry %s: %w", orig.ID, err)
		}
		ids = append(ids, orig.ID)
		compensations = append(compensations, comp)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.MarkReversed(ctx, originals[0].TenantID, ids); err != nil {
		return nil, fmt.Errorf("mark reversed: %w", err)
	}
	return compensations, nil
}

// =============================================================================
// CONTINUITY CHECK
// =============================================================================

// ReplayReport is the outcome of replaying a member's ledger.
type ReplayReport struct {
	Key            MemberKey `json:"-"`
	MemberID       MemberID  `json:"member_id"`
	Entries        int       `json:"entries"`
	OpeningBalance Money     `json:"opening_balance"`
	FinalBalance   Money     `json:"final_balance"`
	Consistent     bool      `json:"consistent"`
	BrokenAt       EntryID   `json:"broken_at,omitempty"`
	Expected       *Money    `json:"expected,omitempty"`
}

// Replay walks the member's entries in (Date, Seq) order and checks every
// BalanceAfter against the previous balance plus the signed amount.
func (l *Ledger) Replay(ctx context.Context, tenantID TenantID, memberID MemberID) (ReplayReport, error) {
	member, err := l.Members.GetMember(ctx, tenantID, memberID)
	if err != nil {
		return ReplayReport{}, err
	}
	entries, err := l.Store.Entries(ctx, member.Key())
	if err != nil {
		return ReplayReport{}, err
	}
	SortEntries(entries)

	report := ReplayReport{
		Key:            member.Key(),
		MemberID:       memberID,
		Entries:        len(entries),
		OpeningBalance: member.OpeningBalance,
		Consistent:     true,
	}
	running := member.OpeningBalance
	for i, e := range entries {
		expected := running.Add(e.Signed()).Round()
		if !expected.Equal(e.BalanceAfter) || e.Seq != int64(i+1) {
			report.Consistent = false
			report.BrokenAt = e.ID
			report.Expected = &expected
			break
		}
		running = e.BalanceAfter
	}
	report.FinalBalance = running
	return report, nil
}
