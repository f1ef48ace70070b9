// Package httpapi is the illustrative HTTP ingress: a thin chi/v5 router
// translating vault resources onto the coordinator, tracker, monitor, and
// rate limiter underneath. It owns no domain logic beyond request
// decoding, idempotency-key extraction, and error-to-status mapping.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/collateralvault/vaultd/internal/apperr"
	"github.com/collateralvault/vaultd/internal/balancetracker"
	"github.com/collateralvault/vaultd/internal/ledger"
	"github.com/collateralvault/vaultd/internal/logging"
	"github.com/collateralvault/vaultd/internal/monitor"
	"github.com/collateralvault/vaultd/internal/ratelimit"
	"github.com/collateralvault/vaultd/internal/txmanager"
)

// Coordinator is the narrow surface handlers need from the operation
// coordinator. Declared here, per the rest of the tree's
// dependency-composition style, so httpapi never imports the coordinator
// package directly; satisfied structurally by *coordinator.Coordinator.
type Coordinator interface {
	CreateVault(ctx context.Context, owner string) (*ledger.Vault, error)
	Deposit(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error)
	Withdraw(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error)
	Lock(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error)
	Unlock(ctx context.Context, operationID, vaultID string, amount int64, idempotencyKey *string) (*ledger.TransactionRecord, *ledger.Vault, error)
	Transfer(ctx context.Context, operationID, sourceVaultID, destVaultID string, amount int64, idempotencyKey *string) (*ledger.TransferResult, error)
}

// Dependencies bundles everything the router wires into handlers.
type Dependencies struct {
	Store       ledger.Store
	Coordinator Coordinator
	Tracker     *balancetracker.Tracker
	Txns        *txmanager.Manager
	Monitor     *monitor.Monitor
	Limiter     *ratelimit.Limiter
	Log         *logging.Logger
}

type handler struct {
	deps Dependencies
	log  *logging.Logger
}

// NewRouter builds the chi router exposing the vault and transaction resources.
func NewRouter(deps Dependencies) http.Handler {
	h := &handler{deps: deps, log: deps.Log.Component("httpapi")}

	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(requestLogMiddleware(h.log))
	if deps.Limiter != nil {
		r.Use(rateLimitMiddleware(deps.Limiter, h.log))
	}

	r.Get("/health", h.health)
	r.Get("/system/stats", h.systemStats)

	r.Route("/vaults", func(r chi.Router) {
		r.Get("/", h.listVaults)
		r.Post("/", h.createVault)

		r.Route("/{owner}", func(r chi.Router) {
			r.Get("/", h.getVault)
			r.Post("/deposit", h.deposit)
			r.Post("/withdraw", h.withdraw)
			r.Post("/lock", h.lock)
			r.Post("/unlock", h.unlock)
			r.Post("/transfer", h.transfer)
			r.Get("/transactions", h.listTransactions)
			r.Get("/snapshots", h.listSnapshots)
			r.Post("/reconcile", h.reconcile)
			r.Get("/ws", h.snapshotStream)
		})
	})

	r.Get("/transactions/{id}", h.getTransaction)

	return r
}

func (h *handler) listVaults(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	vaults, err := h.deps.Store.ListActiveVaults(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]VaultView, len(vaults))
	for i, v := range vaults {
		views[i] = newVaultView(v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) createVault(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner string `json:"owner"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if strings.TrimSpace(payload.Owner) == "" {
		writeError(w, apperr.New(apperr.KindValidation, "owner is required"))
		return
	}

	v, err := h.deps.Coordinator.CreateVault(r.Context(), payload.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newVaultView(v))
}

func (h *handler) getVault(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	v, err := h.deps.Store.GetVaultByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVaultView(v))
}

type amountPayload struct {
	Amount int64 `json:"amount"`
}

func (h *handler) decodeAmount(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var payload amountPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return 0, false
	}
	if payload.Amount <= 0 {
		writeError(w, apperr.New(apperr.KindValidation, "amount must be > 0"))
		return 0, false
	}
	return payload.Amount, true
}

func (h *handler) vaultByOwner(w http.ResponseWriter, r *http.Request) (*ledger.Vault, bool) {
	owner := chi.URLParam(r, "owner")
	v, err := h.deps.Store.GetVaultByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return v, true
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}
	amount, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}
	operationID, idempotencyKey := operationContext(r)
	rec, updated, err := h.deps.Coordinator.Deposit(r.Context(), operationID, v.ID, amount, idempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Vault       VaultView       `json:"vault"`
		Transaction TransactionView `json:"transaction"`
	}{newVaultView(updated), newTransactionView(rec)})
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}
	amount, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}
	operationID, idempotencyKey := operationContext(r)
	rec, updated, err := h.deps.Coordinator.Withdraw(r.Context(), operationID, v.ID, amount, idempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Vault       VaultView       `json:"vault"`
		Transaction TransactionView `json:"transaction"`
	}{newVaultView(updated), newTransactionView(rec)})
}

func (h *handler) lock(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}
	amount, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}
	operationID, idempotencyKey := operationContext(r)
	rec, updated, err := h.deps.Coordinator.Lock(r.Context(), operationID, v.ID, amount, idempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Vault       VaultView       `json:"vault"`
		Transaction TransactionView `json:"transaction"`
	}{newVaultView(updated), newTransactionView(rec)})
}

func (h *handler) unlock(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}
	amount, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}
	operationID, idempotencyKey := operationContext(r)
	rec, updated, err := h.deps.Coordinator.Unlock(r.Context(), operationID, v.ID, amount, idempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Vault       VaultView       `json:"vault"`
		Transaction TransactionView `json:"transaction"`
	}{newVaultView(updated), newTransactionView(rec)})
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	source, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}

	var payload struct {
		ToOwner string `json:"to_owner"`
		Amount  int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if payload.Amount <= 0 {
		writeError(w, apperr.New(apperr.KindValidation, "amount must be > 0"))
		return
	}
	if strings.TrimSpace(payload.ToOwner) == "" {
		writeError(w, apperr.New(apperr.KindValidation, "to_owner is required"))
		return
	}

	dest, err := h.deps.Store.GetVaultByOwner(r.Context(), payload.ToOwner)
	if err != nil {
		writeError(w, err)
		return
	}

	operationID, idempotencyKey := operationContext(r)
	result, err := h.deps.Coordinator.Transfer(r.Context(), operationID, source.ID, dest.ID, payload.Amount, idempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransferView(result))
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	txns, err := h.deps.Txns.ListForVault(r.Context(), v.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]TransactionView, len(txns))
	for i, t := range txns {
		views[i] = newTransactionView(t)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.deps.Store.GetTransactionByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(t))
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	snaps, err := h.deps.Store.ListSnapshots(r.Context(), v.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]SnapshotView, len(snaps))
	for i, s := range snaps {
		views[i] = newSnapshotView(s)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultByOwner(w, r)
	if !ok {
		return
	}
	report, err := h.deps.Tracker.Reconcile(r.Context(), v.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReconcileView(report))
}

func (h *handler) systemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Monitor.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSystemStatsView(stats))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	hv := newHealthView(h.deps.Monitor.Health())
	status := http.StatusOK
	if !hv.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, hv)
}

// operationContext extracts the optional Idempotency-Key header and
// derives the operation id the coordinator's pending-set dedup keys on:
// the idempotency key itself when supplied (so concurrent retries of the
// same client-supplied key collide on purpose), otherwise a fresh id per
// request.
func operationContext(r *http.Request) (operationID string, idempotencyKey *string) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		return uuid.New().String(), nil
	}
	return key, &key
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := apperr.KindOf(err); ok {
		status = apperr.HTTPStatus(kind)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
