package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tair/rxsync/internal/authority"
	posdomain "github.com/tair/rxsync/internal/pos/domain"
	poscommand "github.com/tair/rxsync/internal/pos/usecase/command"
	posquery "github.com/tair/rxsync/internal/pos/usecase/query"
	rxdomain "github.com/tair/rxsync/internal/prescription/domain"
	rxcommand "github.com/tair/rxsync/internal/prescription/usecase/command"
	synccommand "github.com/tair/rxsync/internal/reconcile/usecase/command"
	syncquery "github.com/tair/rxsync/internal/reconcile/usecase/query"
	"github.com/tair/rxsync/pkg/logger"
)

// AuthorityGateway is the read-only slice of the authority client exposed
// to operators.
type AuthorityGateway interface {
	HealthCheck(ctx context.Context) (*authority.Health, error)
	GetSystemStatus(ctx context.Context) (*authority.SystemStatus, error)
	LookupDrug(ctx context.Context, identifier string) (*authority.DrugInfo, error)
	GetPrescriptionDetails(ctx context.Context, prescriptionID string) (*authority.PrescriptionDetails, error)
	AuthState() authority.CircuitState
}

// Handler serves the POS, prescription and operational endpoints.
type Handler struct {
	processSale         *poscommand.ProcessSaleHandler
	validateSale        *posquery.ValidateSaleHandler
	processPrescription *rxcommand.ProcessPrescriptionHandler
	syncPending         *synccommand.SyncPendingHandler
	retryFailed         *synccommand.RetryFailedHandler
	transactionStatus   *syncquery.GetTransactionStatusHandler
	syncReport          *syncquery.GetSyncReportHandler
	authority           AuthorityGateway
}

// NewHandler creates a new HTTP handler
func NewHandler(
	processSale *poscommand.ProcessSaleHandler,
	validateSale *posquery.ValidateSaleHandler,
	processPrescription *rxcommand.ProcessPrescriptionHandler,
	syncPending *synccommand.SyncPendingHandler,
	retryFailed *synccommand.RetryFailedHandler,
	transactionStatus *syncquery.GetTransactionStatusHandler,
	syncReport *syncquery.GetSyncReportHandler,
	gateway AuthorityGateway,
) *Handler {
	return &Handler{
		processSale:         processSale,
		validateSale:        validateSale,
		processPrescription: processPrescription,
		syncPending:         syncPending,
		retryFailed:         retryFailed,
		transactionStatus:   transactionStatus,
		syncReport:          syncReport,
		authority:           gateway,
	}
}

// ProcessSale handles POST /api/pharmacies/{pharmacy_id}/sales
func (h *Handler) ProcessSale(w http.ResponseWriter, r *http.Request) {
	pharmacyID, ok := pathUUID(w, r, "pharmacy_id")
	if !ok {
		return
	}

	var sale posdomain.SaleRequest
	if err := json.NewDecoder(r.Body).Decode(&sale); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	result, err := h.processSale.Handle(r.Context(), poscommand.ProcessSaleCommand{
		PharmacyID: pharmacyID,
		Sale:       sale,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, Response{
		Success: true,
		Message: "Sale recorded",
		Data:    result,
	})
}

// ValidateSale handles POST /api/pharmacies/{pharmacy_id}/sales/validate
func (h *Handler) ValidateSale(w http.ResponseWriter, r *http.Request) {
	pharmacyID, ok := pathUUID(w, r, "pharmacy_id")
	if !ok {
		return
	}

	var sale posdomain.SaleRequest
	if err := json.NewDecoder(r.Body).Decode(&sale); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	result, err := h.validateSale.Handle(r.Context(), posquery.ValidateSaleQuery{
		PharmacyID: pharmacyID,
		Sale:       sale,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    result,
	})
}

// ReceivePrescription handles POST /api/prescriptions/events
func (h *Handler) ReceivePrescription(w http.ResponseWriter, r *http.Request) {
	var event rxdomain.PrescriptionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	result, err := h.processPrescription.Handle(r.Context(), event)
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusCreated
	message := "Prescription dispensed"
	if result.AlreadyDispensed {
		status = http.StatusOK
		message = "Prescription already dispensed"
	}
	respondJSON(w, status, Response{
		Success: true,
		Message: message,
		Data:    result,
	})
}

// Sweep handles POST /api/sync/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.syncPending.Handle(r.Context())
	if err != nil {
		logger.Error(r.Context()).Err(err).Msg("Manual sweep failed")
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    result,
	})
}

// RetryTransaction handles POST /api/transactions/{id}/retry
func (h *Handler) RetryTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.retryFailed.Handle(r.Context(), synccommand.RetryFailedCommand{TransactionID: id})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Retry attempted",
		Data:    result,
	})
}

// TransactionStatus handles GET /api/transactions/{id}/status
func (h *Handler) TransactionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	status, err := h.transactionStatus.Handle(r.Context(), syncquery.GetTransactionStatusQuery{TransactionID: id})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    status,
	})
}

// SyncReport handles GET /api/sync/report?hours=24&pharmacy_id=...
func (h *Handler) SyncReport(w http.ResponseWriter, r *http.Request) {
	q := syncquery.GetSyncReportQuery{}

	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			badRequest(w, "hours must be a positive integer")
			return
		}
		q.Hours = hours
	}
	if raw := r.URL.Query().Get("pharmacy_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(w, "Invalid pharmacy ID")
			return
		}
		q.PharmacyID = &id
	}

	report, err := h.syncReport.Handle(r.Context(), q)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    report,
	})
}

// AuthorityStatus handles GET /api/authority/status
func (h *Handler) AuthorityStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.authority.GetSystemStatus(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"system":     status,
			"auth_state": h.authority.AuthState(),
		},
	})
}

// LookupDrug handles GET /api/authority/drugs/{identifier}
func (h *Handler) LookupDrug(w http.ResponseWriter, r *http.Request) {
	drug, err := h.authority.LookupDrug(r.Context(), mux.Vars(r)["identifier"])
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    drug,
	})
}

// PrescriptionDetails handles GET /api/authority/prescriptions/{id}
func (h *Handler) PrescriptionDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.authority.GetPrescriptionDetails(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    details,
	})
}

// RegisterRoutes registers all routes
func (h *Handler) RegisterRoutes(router *mux.Router, metrics *Metrics) {
	handle := func(path string, fn http.HandlerFunc, method string) {
		router.HandleFunc(path, metrics.Middleware(path, fn)).Methods(method)
	}

	handle("/api/pharmacies/{pharmacy_id}/sales", h.ProcessSale, http.MethodPost)
	handle("/api/pharmacies/{pharmacy_id}/sales/validate", h.ValidateSale, http.MethodPost)
	handle("/api/prescriptions/events", h.ReceivePrescription, http.MethodPost)

	handle("/api/sync/sweep", h.Sweep, http.MethodPost)
	handle("/api/sync/report", h.SyncReport, http.MethodGet)
	handle("/api/transactions/{id}/retry", h.RetryTransaction, http.MethodPost)
	handle("/api/transactions/{id}/status", h.TransactionStatus, http.MethodGet)

	if h.authority != nil {
		handle("/api/authority/status", h.AuthorityStatus, http.MethodGet)
		handle("/api/authority/drugs/{identifier}", h.LookupDrug, http.MethodGet)
		handle("/api/authority/prescriptions/{id}", h.PrescriptionDetails, http.MethodGet)
	}
}

// RegisterHealthCheck registers health check endpoint
func (h *Handler) RegisterHealthCheck(router *mux.Router, db *sql.DB) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, Response{
				Success: false,
				Error:   "Database unavailable",
			})
			return
		}

		data := map[string]interface{}{"database": "ok"}
		if h.authority != nil {
			data["authority_auth"] = h.authority.AuthState()
			if r.URL.Query().Get("deep") == "true" {
				if health, err := h.authority.HealthCheck(r.Context()); err != nil {
					data["authority"] = err.Error()
				} else {
					data["authority"] = health.Status
				}
			}
		}

		respondJSON(w, http.StatusOK, Response{
			Success: true,
			Message: "Sync service is healthy",
			Data:    data,
		})
	}).Methods(http.MethodGet)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		badRequest(w, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
