/*
store.go - Persistence interface for ledger entries and the member directory

PURPOSE:
  Defines the interface between the ledger logic and the database.
  The Store handles persistence while maintaining append-only semantics.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:           Ledger entry persistence (tail, insert, load, select)
  MemberDirectory: Read-only view of billable members

APPEND-ONLY CONTRACT:
  Entries are never updated or deleted. The single exception is the
  IsReversed flag, which MarkReversed sets when a compensating entry is
  written in the same transaction.

OPTIMISTIC CONCURRENCY:
  Every entry carries a per-member Seq. Insert must fail with
  ErrStaleBalance when Seq is already taken for the member, which is what
  happens when two writers computed a balance from the same tail.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - generic/store/memory.go: In-memory for testing

TRANSACTIONS:
  Stores do not open transactions themselves. billing.Store adds WithTx,
  and the ledger's AppendTo takes the transactional view it is given.

SEE ALSO:
  - ledger.go: Higher-level ledger using Store
  - billing/bill.go: Store with bills and WithTx
*/
package generic

import "context"

// =============================================================================
// STORE - Interface for ledger persistence (append-only)
// =============================================================================

type Store interface {
	// Tail returns the member's last entry position. Empty tail if none.
	Tail(ctx context.Context, key MemberKey) (Tail, error)

	// Insert persists an entry whose Seq is tail.Seq+1.
	// Returns ErrStaleBalance if the Seq is already taken.
	Insert(ctx context.Context, entry Entry) error

	// Entries returns all entries of a member ordered by Seq.
	Entries(ctx context.Context, key MemberKey) ([]Entry, error)

	// Select returns entries matching coarse criteria. The ledger applies the
	// full filter on top, so implementations may over-select.
	Select(ctx context.Context, c Criteria) ([]Entry, error)

	// EntriesByBill returns every entry referencing the bill, ordered by Seq.
	EntriesByBill(ctx context.Context, tenantID TenantID, billID string) ([]Entry, error)

	// MarkReversed flags entries as reversed. Only called together with
	// appending the compensating entries.
	MarkReversed(ctx context.Context, tenantID TenantID, ids []EntryID) error
}

// Criteria is the pre-filter pushed down to storage.
type Criteria struct {
	TenantID  TenantID
	MemberIDs []MemberID
	From      TimePoint // zero = unbounded
	To        TimePoint // zero = unbounded
}

// =============================================================================
// MEMBER DIRECTORY - External collaborator supplying billable accounts
// =============================================================================

type MemberDirectory interface {
	// GetMember returns ErrMemberNotFound for unknown members.
	GetMember(ctx context.Context, tenantID TenantID, memberID MemberID) (Member, error)

	// ListMembers returns the tenant's members ordered by unit.
	ListMembers(ctx context.Context, tenantID TenantID) ([]Member, error)
}
