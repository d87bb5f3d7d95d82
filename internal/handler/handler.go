package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/plot-installments/internal/engine"
	"github.com/Dan9191/plot-installments/internal/metrics"
	"github.com/Dan9191/plot-installments/internal/middleware"
	"github.com/Dan9191/plot-installments/internal/models"
	"github.com/Dan9191/plot-installments/internal/service"
	"github.com/Dan9191/plot-installments/internal/utils"
)

type Handler struct {
	svc *service.Service
	log *logrus.Logger
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes mounts the sale endpoints on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sales", h.CreateSale).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}", h.GetSale).Methods(http.MethodGet)
	r.HandleFunc("/sales/{id:[0-9]+}/overdue", h.Overdue).Methods(http.MethodGet)
	r.HandleFunc("/sales/{id:[0-9]+}/installments/{iid:[0-9]+}/balance", h.Balance).Methods(http.MethodGet)
	r.HandleFunc("/sales/{id:[0-9]+}/installments/{iid:[0-9]+}/payments", h.ApplyPayment).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}/reschedule", h.Reschedule).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}/reschedules", h.RescheduleHistory).Methods(http.MethodGet)
	r.HandleFunc("/sales/{id:[0-9]+}/reconcile", h.Reconcile).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}/late-fees/refresh", h.RefreshLateFees).Methods(http.MethodPost)
}

// CreateSale handles sale creation with its initial schedule
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	freq, err := engine.ParseFrequency(req.Frequency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	first, err := parseDate("first_due_date", req.FirstDueDate)
	if err != nil {
		h.writeError(w, err)
		return
	}

	sched, err := h.svc.CreateSale(r.Context(), service.CreateSaleInput{
		Kind:         models.SaleKind(req.Kind),
		UnitRef:      req.UnitRef,
		CustomerRef:  req.CustomerRef,
		Price:        req.Price,
		DownPayment:  req.DownPayment,
		AnnualRate:   req.AnnualRate,
		Frequency:    freq,
		Term:         req.Term,
		FirstDueDate: first,
		MoraRate:     req.MoraRate,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSchedule(sched))
}

// GetSale returns the sale and its schedule with late fees as of ?as_of=
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	saleID, asOf, err := saleAndAsOf(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sched, err := h.svc.GetSchedule(r.Context(), saleID, asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedule(sched))
}

// Overdue lists overdue installments
func (h *Handler) Overdue(w http.ResponseWriter, r *http.Request) {
	saleID, asOf, err := saleAndAsOf(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	insts, err := h.svc.Overdue(r.Context(), saleID, asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sale_id":      saleID,
		"as_of":        utils.FormatDate(asOf),
		"installments": toInstallments(insts),
	})
}

// Balance returns one installment's outstanding balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	saleID, asOf, err := saleAndAsOf(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	instID, err := pathID(r, "iid")
	if err != nil {
		h.writeError(w, err)
		return
	}
	inst, err := h.svc.OutstandingBalance(r.Context(), saleID, instID, asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"as_of":       utils.FormatDate(asOf),
		"installment": toInstallment(*inst),
	})
}

// ApplyPayment records a payment against an installment
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	saleID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	instID, err := pathID(r, "iid")
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req paymentRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	var date time.Time
	if req.Date != "" {
		if date, err = parseDate("date", req.Date); err != nil {
			h.writeError(w, err)
			return
		}
	}

	receipt, err := h.svc.ApplyPayment(r.Context(), service.PaymentInput{
		SaleID:          saleID,
		InstallmentID:   instID,
		Amount:          req.Amount,
		Date:            date,
		Method:          req.Method,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptResponse{
		Payment:     toPayment(receipt.Payment),
		SaleID:      receipt.Sale.ID,
		SaleVersion: receipt.Sale.Version,
		Installment: toInstallment(receipt.Installment),
	})
}

// Reschedule regenerates the unpaid installments with new terms
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	saleID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req rescheduleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.AnnualRate == nil {
		h.writeError(w, models.ValidationError("annual_rate", "is required"))
		return
	}
	terms := engine.RescheduleTerms{
		Term:       req.Term,
		AnnualRate: *req.AnnualRate,
		MoraRate:   req.MoraRate,
		Note:       req.Note,
	}
	if req.Frequency != "" {
		if terms.Frequency, err = engine.ParseFrequency(req.Frequency); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if req.FirstDueDate != "" {
		if terms.FirstDueDate, err = parseDate("first_due_date", req.FirstDueDate); err != nil {
			h.writeError(w, err)
			return
		}
	}

	out, err := h.svc.Reschedule(r.Context(), service.RescheduleInput{
		SaleID:          saleID,
		Terms:           terms,
		Adjustments:     req.Adjustments,
		Actor:           middleware.ActorFromContext(r.Context()),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rescheduleResponse{
		Record:   toRecord(out.Record),
		Schedule: toSchedule(out.Schedule),
	})
}

// RescheduleHistory lists the audit records of a sale
func (h *Handler) RescheduleHistory(w http.ResponseWriter, r *http.Request) {
	saleID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	records, err := h.svc.RescheduleHistory(r.Context(), saleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]rescheduleRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecord(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// Reconcile recomputes and stores the balance chain
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	saleID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	sched, err := h.svc.Reconcile(r.Context(), saleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedule(sched))
}

// RefreshLateFees stores late fees accrued as of ?as_of=
func (h *Handler) RefreshLateFees(w http.ResponseWriter, r *http.Request) {
	saleID, asOf, err := saleAndAsOf(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sched, err := h.svc.RefreshLateFees(r.Context(), saleID, asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedule(sched))
}

// ReferenceRate returns the current reference mora rate
func (h *Handler) ReferenceRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.svc.ReferenceRate(r.Context())
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			h.log.WithError(err).Error("Failed to get reference rate")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to get reference rate"})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reference_rate": rate.StringFixed(2)})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Kind: metrics.Outcome(err)}
	var e *models.Error
	if errors.As(err, &e) {
		resp.Field = e.Field
	}

	status := http.StatusInternalServerError
	switch resp.Kind {
	case metrics.KindValidation:
		status = http.StatusBadRequest
	case metrics.KindNotFound:
		status = http.StatusNotFound
	case metrics.KindConflict:
		status = http.StatusConflict
	case metrics.KindConcurrency:
		status = http.StatusConflict
		resp.Retryable = true
	default:
		h.log.WithError(err).Error("Request failed")
		if resp.Kind == metrics.KindInternal {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.ValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, models.ValidationError(name, "must be a positive integer")
	}
	return id, nil
}

func parseDate(field, s string) (time.Time, error) {
	t, err := utils.ParseDate(s)
	if err != nil {
		return time.Time{}, models.ValidationError(field, "%v", err)
	}
	return t, nil
}

func saleAndAsOf(r *http.Request) (int64, time.Time, error) {
	saleID, err := pathID(r, "id")
	if err != nil {
		return 0, time.Time{}, err
	}
	asOf, err := utils.ParseAsOf(r.URL.Query().Get("as_of"), time.Now().UTC())
	if err != nil {
		return 0, time.Time{}, models.ValidationError("as_of", "%v", err)
	}
	return saleID, asOf, nil
}
