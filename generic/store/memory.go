// Package store provides an in-memory implementation of the ledger store,
// bill repository, member directory and tenant config provider.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memState

	// Directory and configs have their own lock: the ledger looks members
	// up while a transaction holds mu.
	dirMu   sync.RWMutex
	members map[generic.MemberKey]generic.Member
	configs map[generic.TenantID]billing.TenantConfig
}

type memState struct {
	entries map[generic.MemberKey][]generic.Entry
	bills   map[string]billing.Bill
}

func NewMemory() *Memory {
	return &Memory{
		state: memState{
			entries: make(map[generic.MemberKey][]generic.Entry),
			bills:   make(map[string]billing.Bill),
		},
		members: make(map[generic.MemberKey]generic.Member),
		configs: make(map[generic.TenantID]billing.TenantConfig),
	}
}

// =============================================================================
// DIRECTORY & CONFIG
// =============================================================================

func (m *Memory) SaveMember(_ context.Context, member generic.Member) error {
	if member.TenantID == "" || member.ID == "" {
		return generic.NewValidationError("member_id", "tenant and member are required", generic.ErrInvalidEntry)
	}
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.members[member.Key()] = member
	return nil
}

func (m *Memory) GetMember(_ context.Context, tenantID generic.TenantID, memberID generic.MemberID) (generic.Member, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	member, ok := m.members[generic.MemberKey{TenantID: tenantID, MemberID: memberID}]
	if !ok {
		return generic.Member{}, fmt.Errorf("%s/%s: %w", tenantID, memberID, generic.ErrMemberNotFound)
	}
	return member, nil
}

func (m *Memory) ListMembers(_ context.Context, tenantID generic.TenantID) ([]generic.Member, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	var result []generic.Member
	for k, member := range m.members {
		if k.TenantID == tenantID {
			result = append(result, member)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UnitID < result[j].UnitID })
	return result, nil
}

func (m *Memory) SaveConfig(_ context.Context, cfg billing.TenantConfig) error {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	m.configs[cfg.TenantID] = cfg
	return nil
}

func (m *Memory) GetConfig(_ context.Context, tenantID generic.TenantID) (billing.TenantConfig, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return billing.TenantConfig{}, fmt.Errorf("%s: %w", tenantID, generic.ErrTenantNotFound)
	}
	return cfg, nil
}

func (m *Memory) ListConfigs(_ context.Context) ([]billing.TenantConfig, error) {
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	result := make([]billing.TenantConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		result = append(result, cfg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TenantID < result[j].TenantID })
	return result, nil
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) read(ctx context.Context) (*memState, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	return &m.state, m.mu.RUnlock, nil
}

func (m *Memory) write(ctx context.Context) (*memState, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	return &m.state, m.mu.Unlock, nil
}

func (m *Memory) Tail(ctx context.Context, key generic.MemberKey) (generic.Tail, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return generic.Tail{}, err
	}
	defer done()
	return s.tail(key), nil
}

func (m *Memory) Insert(ctx context.Context, entry generic.Entry) error {
	s, done, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return s.insert(entry)
}

func (m *Memory) Entries(ctx context.Context, key generic.MemberKey) ([]generic.Entry, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.entriesOf(key), nil
}

func (m *Memory) Select(ctx context.Context, c generic.Criteria) ([]generic.Entry, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.selectEntries(c), nil
}

func (m *Memory) EntriesByBill(ctx context.Context, tenantID generic.TenantID, billID string) ([]generic.Entry, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.entriesByBill(tenantID, billID), nil
}

func (m *Memory) MarkReversed(ctx context.Context, tenantID generic.TenantID, ids []generic.EntryID) error {
	s, done, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return s.markReversed(tenantID, ids)
}

func (m *Memory) CreateBill(ctx context.Context, bill billing.Bill) error {
	s, done, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return s.createBill(bill)
}

func (m *Memory) GetBill(ctx context.Context, tenantID generic.TenantID, billID string) (billing.Bill, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return billing.Bill{}, err
	}
	defer done()
	return s.getBill(tenantID, billID)
}

func (m *Memory) UpdateBill(ctx context.Context, tenantID generic.TenantID, billID string, patch billing.BillPatch) (billing.Bill, error) {
	s, done, err := m.write(ctx)
	if err != nil {
		return billing.Bill{}, err
	}
	defer done()
	return s.updateBill(tenantID, billID, patch)
}

func (m *Memory) LockPeriod(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error) {
	s, done, err := m.write(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return s.lockPeriod(tenantID, period), nil
}

func (m *Memory) DeleteBill(ctx context.Context, tenantID generic.TenantID, billID string) error {
	s, done, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return s.deleteBill(tenantID, billID)
}

func (m *Memory) ListOpenBills(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) ([]billing.Bill, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.openBills(tenantID, memberID), nil
}

func (m *Memory) ListBills(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) ([]billing.Bill, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.periodBills(tenantID, period), nil
}

func (m *Memory) CountBills(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error) {
	s, done, err := m.read(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return len(s.periodBills(tenantID, period)), nil
}

func (m *Memory) SettleBill(ctx context.Context, tenantID generic.TenantID, billID string, amountPaid generic.Money, status billing.BillStatus) error {
	s, done, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return s.settleBill(tenantID, billID, amountPaid, status)
}

func (m *Memory) CarryForward(ctx context.Context, tenantID generic.TenantID, billIDs []string, into string) error {
	s, done, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return s.carryForward(tenantID, billIDs, into)
}

func (m *Memory) RestoreCarried(ctx context.Context, tenantID generic.TenantID, into string) ([]billing.Bill, error) {
	s, done, err := m.write(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.restoreCarried(tenantID, into), nil
}

func (m *Memory) MarkOverdue(ctx context.Context, tenantID generic.TenantID, asOf generic.TimePoint) (int, error) {
	s, done, err := m.write(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return s.markOverdue(tenantID, asOf), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store is write-locked for the duration, so transactions are serial.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{parent: m, state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txView operates on the locked state directly.
type txView struct {
	parent *Memory
	state  *memState
}

func (v *txView) Tail(_ context.Context, key generic.MemberKey) (generic.Tail, error) {
	return v.state.tail(key), nil
}

func (v *txView) Insert(_ context.Context, entry generic.Entry) error {
	return v.state.insert(entry)
}

func (v *txView) Entries(_ context.Context, key generic.MemberKey) ([]generic.Entry, error) {
	return v.state.entriesOf(key), nil
}

func (v *txView) Select(_ context.Context, c generic.Criteria) ([]generic.Entry, error) {
	return v.state.selectEntries(c), nil
}

func (v *txView) EntriesByBill(_ context.Context, tenantID generic.TenantID, billID string) ([]generic.Entry, error) {
	return v.state.entriesByBill(tenantID, billID), nil
}

func (v *txView) MarkReversed(_ context.Context, tenantID generic.TenantID, ids []generic.EntryID) error {
	return v.state.markReversed(tenantID, ids)
}

func (v *txView) CreateBill(_ context.Context, bill billing.Bill) error {
	return v.state.createBill(bill)
}

func (v *txView) GetBill(_ context.Context, tenantID generic.TenantID, billID string) (billing.Bill, error) {
	return v.state.getBill(tenantID, billID)
}

func (v *txView) UpdateBill(_ context.Context, tenantID generic.TenantID, billID string, patch billing.BillPatch) (billing.Bill, error) {
	return v.state.updateBill(tenantID, billID, patch)
}

func (v *txView) LockPeriod(_ context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error) {
	return v.state.lockPeriod(tenantID, period), nil
}

func (v *txView) DeleteBill(_ context.Context, tenantID generic.TenantID, billID string) error {
	return v.state.deleteBill(tenantID, billID)
}

func (v *txView) ListOpenBills(_ context.Context, tenantID generic.TenantID, memberID generic.MemberID) ([]billing.Bill, error) {
	return v.state.openBills(tenantID, memberID), nil
}

func (v *txView) ListBills(_ context.Context, tenantID generic.TenantID, period generic.PeriodID) ([]billing.Bill, error) {
	return v.state.periodBills(tenantID, period), nil
}

func (v *txView) CountBills(_ context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error) {
	return len(v.state.periodBills(tenantID, period)), nil
}

func (v *txView) SettleBill(_ context.Context, tenantID generic.TenantID, billID string, amountPaid generic.Money, status billing.BillStatus) error {
	return v.state.settleBill(tenantID, billID, amountPaid, status)
}

func (v *txView) CarryForward(_ context.Context, tenantID generic.TenantID, billIDs []string, into string) error {
	return v.state.carryForward(tenantID, billIDs, into)
}

func (v *txView) RestoreCarried(_ context.Context, tenantID generic.TenantID, into string) ([]billing.Bill, error) {
	return v.state.restoreCarried(tenantID, into), nil
}

func (v *txView) MarkOverdue(_ context.Context, tenantID generic.TenantID, asOf generic.TimePoint) (int, error) {
	return v.state.markOverdue(tenantID, asOf), nil
}

// WithTx inside a transaction joins it.
func (v *txView) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(v)
}

// =============================================================================
// STATE - Unlocked operations shared by Memory and txView
// =============================================================================

func (s *memState) clone() memState {
	c := memState{
		entries: make(map[generic.MemberKey][]generic.Entry, len(s.entries)),
		bills:   make(map[string]billing.Bill, len(s.bills)),
	}
	for k, v := range s.entries {
		c.entries[k] = append([]generic.Entry{}, v...)
	}
	for k, b := range s.bills {
		b.Charges = append([]billing.Charge{}, b.Charges...)
		c.bills[k] = b
	}
	return c
}

func (s *memState) tail(key generic.MemberKey) generic.Tail {
	entries := s.entries[key]
	if len(entries) == 0 {
		return generic.Tail{}
	}
	last := entries[len(entries)-1]
	return generic.Tail{Seq: last.Seq, Balance: last.BalanceAfter, Date: last.Date}
}

// insert enforces the compare-and-swap on Seq.
func (s *memState) insert(entry generic.Entry) error {
	key := entry.Key()
	if entry.Seq != s.tail(key).Seq+1 {
		return fmt.Errorf("%s seq %d: %w", key, entry.Seq, generic.ErrStaleBalance)
	}
	s.entries[key] = append(s.entries[key], entry)
	return nil
}

func (s *memState) entriesOf(key generic.MemberKey) []generic.Entry {
	return append([]generic.Entry{}, s.entries[key]...)
}

func (s *memState) selectEntries(c generic.Criteria) []generic.Entry {
	wanted := make(map[generic.MemberID]bool, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		wanted[id] = true
	}
	var result []generic.Entry
	for key, entries := range s.entries {
		if key.TenantID != c.TenantID || (len(wanted) > 0 && !wanted[key.MemberID]) {
			continue
		}
		for _, e := range entries {
			if !c.From.IsZero() && e.Date.Before(c.From) {
				continue
			}
			if !c.To.IsZero() && e.Date.After(c.To) {
				continue
			}
			result = append(result, e)
		}
	}
	return result
}

func (s *memState) entriesByBill(tenantID generic.TenantID, billID string) []generic.Entry {
	var result []generic.Entry
	for key, entries := range s.entries {
		if key.TenantID != tenantID {
			continue
		}
		for _, e := range entries {
			if e.BillID == billID {
				result = append(result, e)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func (s *memState) markReversed(tenantID generic.TenantID, ids []generic.EntryID) error {
	pending := make(map[generic.EntryID]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	for key, entries := range s.entries {
		if key.TenantID != tenantID {
			continue
		}
		for i := range entries {
			if pending[entries[i].ID] {
				entries[i].IsReversed = true
				delete(pending, entries[i].ID)
			}
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("mark reversed: %d unknown entries: %w", len(pending), generic.ErrInvalidEntry)
	}
	return nil
}

func (s *memState) createBill(bill billing.Bill) error {
	for _, b := range s.bills {
		if !b.IsDeleted && b.TenantID == bill.TenantID && b.MemberID == bill.MemberID && b.PeriodID == bill.PeriodID {
			return fmt.Errorf("%s/%s: %w", bill.MemberID, bill.PeriodID, generic.ErrDuplicatePeriod)
		}
	}
	bill.Charges = append([]billing.Charge{}, bill.Charges...)
	s.bills[bill.ID] = bill
	return nil
}

func (s *memState) getBill(tenantID generic.TenantID, billID string) (billing.Bill, error) {
	b, ok := s.bills[billID]
	if !ok || b.TenantID != tenantID || b.IsDeleted {
		return billing.Bill{}, fmt.Errorf("%s: %w", billID, generic.ErrBillNotFound)
	}
	b.Charges = append([]billing.Charge{}, b.Charges...)
	return b, nil
}

func (s *memState) updateBill(tenantID generic.TenantID, billID string, patch billing.BillPatch) (billing.Bill, error) {
	b, err := s.getBill(tenantID, billID)
	if err != nil {
		return billing.Bill{}, err
	}
	if b.IsLocked {
		return billing.Bill{}, fmt.Errorf("%s: %w", billID, generic.ErrLocked)
	}
	if patch.DueDate != nil {
		b.DueDate = *patch.DueDate
	}
	if patch.Status != nil {
		b.Status = *patch.Status
	}
	if patch.Notes != nil {
		b.Notes = *patch.Notes
	}
	b.UpdatedAt = time.Now().UTC()
	s.bills[billID] = b
	return b, nil
}

func (s *memState) lockPeriod(tenantID generic.TenantID, period generic.PeriodID) int {
	n := 0
	for id, b := range s.bills {
		if b.TenantID == tenantID && b.PeriodID == period && !b.IsDeleted && !b.IsLocked {
			b.IsLocked = true
			b.UpdatedAt = time.Now().UTC()
			s.bills[id] = b
			n++
		}
	}
	return n
}

func (s *memState) deleteBill(tenantID generic.TenantID, billID string) error {
	b, err := s.getBill(tenantID, billID)
	if err != nil {
		return err
	}
	if b.IsLocked {
		return fmt.Errorf("%s: %w", billID, generic.ErrLocked)
	}
	if b.Status != billing.StatusUnpaid && b.Status != billing.StatusOverdue {
		return fmt.Errorf("%s is %s: %w", billID, b.Status, generic.ErrBillNotDeletable)
	}
	b.IsDeleted = true
	b.UpdatedAt = time.Now().UTC()
	s.bills[billID] = b
	return nil
}

func (s *memState) openBills(tenantID generic.TenantID, memberID generic.MemberID) []billing.Bill {
	var result []billing.Bill
	for _, b := range s.bills {
		if b.TenantID == tenantID && b.MemberID == memberID && !b.IsDeleted && b.Status.Open() {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PeriodID < result[j].PeriodID })
	return result
}

func (s *memState) periodBills(tenantID generic.TenantID, period generic.PeriodID) []billing.Bill {
	var result []billing.Bill
	for _, b := range s.bills {
		if b.TenantID == tenantID && b.PeriodID == period && !b.IsDeleted {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return strings.Compare(result[i].UnitID, result[j].UnitID) < 0 })
	return result
}

func (s *memState) settleBill(tenantID generic.TenantID, billID string, amountPaid generic.Money, status billing.BillStatus) error {
	b, err := s.getBill(tenantID, billID)
	if err != nil {
		return err
	}
	if amountPaid.GreaterThan(b.TotalAmount) {
		return fmt.Errorf("%s: paid %s exceeds total %s: %w", billID, amountPaid, b.TotalAmount, generic.ErrInvalidEntry)
	}
	b.AmountPaid = amountPaid
	b.BalanceAmount = b.TotalAmount.Sub(amountPaid)
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	s.bills[billID] = b
	return nil
}

func (s *memState) carryForward(tenantID generic.TenantID, billIDs []string, into string) error {
	for _, id := range billIDs {
		b, err := s.getBill(tenantID, id)
		if err != nil {
			return err
		}
		b.Status = billing.StatusCarriedForward
		b.CarriedForwardTo = into
		b.UpdatedAt = time.Now().UTC()
		s.bills[id] = b
	}
	return nil
}

func (s *memState) restoreCarried(tenantID generic.TenantID, into string) []billing.Bill {
	var restored []billing.Bill
	for id, b := range s.bills {
		if b.TenantID != tenantID || b.IsDeleted || b.CarriedForwardTo != into {
			continue
		}
		b.CarriedForwardTo = ""
		b.Status = billing.StatusUnpaid
		if b.AmountPaid.IsPositive() {
			b.Status = billing.StatusPartial
		}
		b.UpdatedAt = time.Now().UTC()
		s.bills[id] = b
		restored = append(restored, b)
	}
	sort.Slice(restored, func(i, j int) bool { return restored[i].PeriodID < restored[j].PeriodID })
	return restored
}

func (s *memState) markOverdue(tenantID generic.TenantID, asOf generic.TimePoint) int {
	n := 0
	for id, b := range s.bills {
		if b.TenantID == tenantID && !b.IsDeleted && b.Status == billing.StatusUnpaid && b.DueDate.Before(asOf) {
			b.Status = billing.StatusOverdue
			b.UpdatedAt = time.Now().UTC()
			s.bills[id] = b
			n++
		}
	}
	return n
}
