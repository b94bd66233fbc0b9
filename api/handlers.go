/*
handlers.go - HTTP API handlers for the society billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Engine.

ENDPOINTS (all under /api/tenants/{tenantID}):
  Cycles:
    POST   /cycles/{periodID}                 Run the billing cycle
    POST   /periods/{periodID}/finalize       Lock the period's bills
    GET    /periods/{periodID}/bills          List the period's bills
    DELETE /periods/{periodID}/bills          Delete the period's bills
    POST   /overdue                           Mark overdue bills now

  Members:
    POST   /members                           Register a member
    GET    /members/{memberID}/balance        Running ledger balance
    GET    /members/{memberID}/outstanding    Arrears + accrued interest
    POST   /members/{memberID}/payments       Record a payment
    GET    /members/{memberID}/replay         Verify ledger continuity

  Bills:
    GET    /bills/{billID}                    Get bill
    PATCH  /bills/{billID}                    Correct an unlocked bill
    DELETE /bills/{billID}                    Delete an unpaid bill

  Ledger:
    GET    /ledger                            Filtered, grouped, paged query

REQUEST FLOW:
  1. Parse path params and body
  2. Validate input (validator tags on request DTOs)
  3. Call the engine
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with a status picked by statusFor:
  - 400: Validation errors, invalid input
  - 404: Unknown tenant, member or bill
  - 409: Duplicate period, locked bill, bill not deletable
  - 422: Cycle cannot run (no members, no active charge heads)
  - 503: Ledger contention retries exhausted
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// MemberRegistry stores members in the directory the engine reads from.
type MemberRegistry interface {
	SaveMember(ctx context.Context, m generic.Member) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *billing.Engine
	Members MemberRegistry
	Logger  *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *billing.Engine, members MemberRegistry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return &Handler{
		Engine:   engine,
		Members:  members,
		Logger:   logger,
		validate: v,
	}
}

func tenantParam(r *http.Request) generic.TenantID {
	return generic.TenantID(chi.URLParam(r, "tenantID"))
}

func memberParam(r *http.Request) generic.MemberID {
	return generic.MemberID(chi.URLParam(r, "memberID"))
}

func periodParam(r *http.Request) generic.PeriodID {
	return generic.PeriodID(chi.URLParam(r, "periodID"))
}

// =============================================================================
// CYCLE HANDLERS
// =============================================================================

// RunCycle generates the period's bills.
// POST /api/tenants/{tenantID}/cycles/{periodID}
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	var req RunCycleRequest
	if err := h.decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.RunCycle(r.Context(), req.toDomain(tenantParam(r), periodParam(r)))
	if err != nil {
		h.fail(w, r, "Billing cycle aborted", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// FinalizePeriod locks the period. Calling it again locks nothing new.
// POST /api/tenants/{tenantID}/periods/{periodID}/finalize
func (h *Handler) FinalizePeriod(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.FinalizePeriod(r.Context(), tenantParam(r), periodParam(r))
	if err != nil {
		h.fail(w, r, "Failed to finalize period", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListBills returns the period's bills ordered by unit.
// GET /api/tenants/{tenantID}/periods/{periodID}/bills
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	bills, err := h.Engine.ListBills(r.Context(), tenantParam(r), periodParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list bills", err)
		return
	}
	if bills == nil {
		bills = []billing.Bill{}
	}
	writeJSON(w, http.StatusOK, bills)
}

// DeletePeriod deletes every bill of the period so it can be regenerated.
// DELETE /api/tenants/{tenantID}/periods/{periodID}/bills?deleted_by=
func (h *Handler) DeletePeriod(w http.ResponseWriter, r *http.Request) {
	tenantID, periodID := tenantParam(r), periodParam(r)
	n, err := h.Engine.DeletePeriod(r.Context(), tenantID, periodID, r.URL.Query().Get("deleted_by"))
	if err != nil {
		h.fail(w, r, "Failed to delete period", err)
		return
	}
	writeJSON(w, http.StatusOK, DeletePeriodResponse{TenantID: tenantID, PeriodID: periodID, Deleted: n})
}

// MarkOverdue runs the overdue sweep. as_of defaults to today.
// POST /api/tenants/{tenantID}/overdue?as_of=YYYY-MM-DD
func (h *Handler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantParam(r)
	var asOf generic.TimePoint
	if s := r.URL.Query().Get("as_of"); s != "" {
		parsed, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
		asOf = parsed
	}
	if asOf.IsZero() {
		asOf = h.Engine.Today()
	}

	n, err := h.Engine.MarkOverdue(r.Context(), tenantID, asOf)
	if err != nil {
		h.fail(w, r, "Failed to mark overdue bills", err)
		return
	}
	writeJSON(w, http.StatusOK, OverdueResponse{TenantID: tenantID, AsOf: asOf, Marked: n})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// CreateMember registers or replaces a member.
// POST /api/tenants/{tenantID}/members
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Area.IsNegative() {
		writeError(w, http.StatusBadRequest, "area must not be negative", nil)
		return
	}

	member := req.toDomain(tenantParam(r))
	if err := h.Members.SaveMember(r.Context(), member); err != nil {
		h.fail(w, r, "Failed to save member", err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// GetBalance returns the member's running balance.
// GET /api/tenants/{tenantID}/members/{memberID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, memberID := tenantParam(r), memberParam(r)
	balance, err := h.Engine.LatestBalance(r.Context(), tenantID, memberID)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		TenantID: tenantID,
		MemberID: memberID,
		Balance:  balance,
		Label:    generic.NetLabel(balance),
		AsOf:     h.Engine.Today(),
	})
}

// GetOutstanding returns arrears plus interest accrued since last billed.
// GET /api/tenants/{tenantID}/members/{memberID}/outstanding
func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.GetOutstanding(r.Context(), tenantParam(r), memberParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get outstanding", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RecordPayment credits the member and settles open bills oldest first.
// POST /api/tenants/{tenantID}/members/{memberID}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.RecordPayment(r.Context(), billing.PaymentRequest{
		TenantID:    tenantParam(r),
		MemberID:    memberParam(r),
		Amount:      req.Amount,
		Date:        req.Date,
		PaymentMode: req.PaymentMode,
		Reference:   req.Reference,
		Narration:   req.Narration,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		h.fail(w, r, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ReplayLedger recomputes the member's running balance from the opening
// balance and reports the first entry that does not add up.
// GET /api/tenants/{tenantID}/members/{memberID}/replay
func (h *Handler) ReplayLedger(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Ledger.Replay(r.Context(), tenantParam(r), memberParam(r))
	if err != nil {
		h.fail(w, r, "Failed to replay ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// GetBill returns a single bill.
// GET /api/tenants/{tenantID}/bills/{billID}
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := h.Engine.GetBill(r.Context(), tenantParam(r), chi.URLParam(r, "billID"))
	if err != nil {
		h.fail(w, r, "Failed to get bill", err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

// UpdateBill corrects an unlocked bill.
// PATCH /api/tenants/{tenantID}/bills/{billID}
func (h *Handler) UpdateBill(w http.ResponseWriter, r *http.Request) {
	var req UpdateBillRequest
	if err := h.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	bill, err := h.Engine.UpdateBill(r.Context(), tenantParam(r), chi.URLParam(r, "billID"), req.toPatch())
	if err != nil {
		h.fail(w, r, "Failed to update bill", err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

// DeleteBill deletes an unpaid, unlocked bill and reverses its entries.
// DELETE /api/tenants/{tenantID}/bills/{billID}?deleted_by=
func (h *Handler) DeleteBill(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.DeleteBill(r.Context(), tenantParam(r), chi.URLParam(r, "billID"), r.URL.Query().Get("deleted_by"))
	if err != nil {
		h.fail(w, r, "Failed to delete bill", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// LEDGER QUERY
// =============================================================================

// QueryLedger runs a filtered ledger query.
// GET /api/tenants/{tenantID}/ledger
//
// Query params: member_id (repeatable or comma separated), category, type,
// from, to, month, year, unit, min_amount, max_amount, payment_mode,
// financial_year, created_by, include_reversed, group_by, sort_by,
// order (asc|desc), page, page_size.
func (h *Handler) QueryLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(tenantParam(r), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	result, err := h.Engine.QueryLedger(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to query ledger", err)
		return
	}
	if result.Entries == nil {
		result.Entries = []generic.Entry{}
	}
	writeJSON(w, http.StatusOK, result)
}

func parseFilter(tenantID generic.TenantID, r *http.Request) (generic.Filter, error) {
	q := r.URL.Query()
	f := generic.Filter{
		TenantID:        tenantID,
		Type:            generic.EntryType(q.Get("type")),
		UnitPattern:     q.Get("unit"),
		PaymentMode:     q.Get("payment_mode"),
		FinancialYear:   q.Get("financial_year"),
		CreatedBy:       q.Get("created_by"),
		IncludeReversed: q.Get("include_reversed") == "true",
		GroupBy:         generic.GroupBy(q.Get("group_by")),
		SortBy:          generic.SortField(q.Get("sort_by")),
		SortDesc:        strings.EqualFold(q.Get("order"), "desc"),
	}

	for _, id := range splitValues(q["member_id"]) {
		f.MemberIDs = append(f.MemberIDs, generic.MemberID(id))
	}
	for _, c := range splitValues(q["category"]) {
		f.Categories = append(f.Categories, generic.Category(c))
	}

	var err error
	if f.From, err = optionalDate(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = optionalDate(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if f.MinAmount, err = optionalMoney(q.Get("min_amount")); err != nil {
		return f, fmt.Errorf("min_amount: %w", err)
	}
	if f.MaxAmount, err = optionalMoney(q.Get("max_amount")); err != nil {
		return f, fmt.Errorf("max_amount: %w", err)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"year", &f.Year},
		{"page", &f.Page},
		{"page_size", &f.PageSize},
	}
	for _, p := range ints {
		if s := q.Get(p.name); s != "" {
			if *p.dst, err = strconv.Atoi(s); err != nil {
				return f, fmt.Errorf("%s: %w", p.name, err)
			}
		}
	}
	if s := q.Get("month"); s != "" {
		m, err := strconv.Atoi(s)
		if err != nil {
			return f, fmt.Errorf("month: %w", err)
		}
		f.Month = time.Month(m)
	}
	return f, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func optionalDate(s string) (generic.TimePoint, error) {
	if s == "" {
		return generic.TimePoint{}, nil
	}
	return generic.ParseDate(s)
}

func optionalMoney(s string) (*generic.Money, error) {
	if s == "" {
		return nil, nil
	}
	m, err := generic.ParseMoney(s)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. With allowEmpty an
// absent body leaves dst at its zero value.
func (h *Handler) decode(r *http.Request, dst any, allowEmpty bool) error {
	if r.Body == nil || r.ContentLength == 0 {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

// fail logs err with request context and writes it with the mapped status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, fields...)
	} else {
		h.Logger.Info(message, fields...)
	}
	writeError(w, status, message, err)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var (
		ve *generic.ValidationError
		ce *generic.ConcurrencyError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsFatal(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable
	case generic.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
