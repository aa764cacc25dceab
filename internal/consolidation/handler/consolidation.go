package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/domain"
	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/service"
	"github.com/pharmaportal/pharmaportal-backend/pkg/actor"
	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/httputil"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
)

// Consolidator is the consolidation service as seen by the HTTP layer
type Consolidator interface {
	AggregateDemand(ctx context.Context) (domain.Demand, error)
	SyncPendingGroups(ctx context.Context, trigger string) (*service.SyncReport, error)
	DrugDemandView(ctx context.Context) ([]domain.DrugDemand, error)
	MarkOrdered(ctx context.Context, ref domain.DrugRef, quantity int, placedBy string) (*domain.BarmanOrder, error)
	ItemFulfillment(ctx context.Context, orderItemID string) (*domain.ItemFulfillment, error)
	PharmacyOrderView(ctx context.Context, pharmacyID string) ([]domain.TrackedOrder, error)
	ResolveDrug(ctx context.Context, ref domain.DrugRef) (*domain.DrugProjection, error)
	ListExceptions(ctx context.Context, drugID string) ([]domain.ReconciliationException, error)
	ReconcileOrder(ctx context.Context, orderID string) (*service.ReversalReport, error)
}

// ConsolidationHandler handles consolidation endpoints
type ConsolidationHandler struct {
	service Consolidator
	timeout time.Duration
	logger  *logger.Logger
}

// NewConsolidationHandler creates a new consolidation handler. Every request
// runs under timeout when it is positive.
func NewConsolidationHandler(svc Consolidator, timeout time.Duration, log *logger.Logger) *ConsolidationHandler {
	return &ConsolidationHandler{
		service: svc,
		timeout: timeout,
		logger:  log,
	}
}

// MarkOrderedRequest is the body of the order endpoint
type MarkOrderedRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

func (h *ConsolidationHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// Demand returns the outstanding demand per drug, recomputed on every call
func (h *ConsolidationHandler) Demand(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	demand, err := h.service.AggregateDemand(ctx)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	results := make([]*domain.AggregationResult, 0, len(demand))
	for _, ref := range demand.Refs() {
		results = append(results, demand[ref])
	}

	httputil.JSON(w, http.StatusOK, results)
}

// Sync brings the pending groups in line with the current demand
func (h *ConsolidationHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	report, err := h.service.SyncPendingGroups(ctx, service.TriggerManual)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}

// Drugs returns the cached per-drug demand view
func (h *ConsolidationHandler) Drugs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	view, err := h.service.DrugDemandView(ctx)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, view)
}

// MarkOrdered records that the drug's pending group was placed upstream.
// ?partition= picks the catalog partition when the id exists in several.
func (h *ConsolidationHandler) MarkOrdered(w http.ResponseWriter, r *http.Request) {
	ref, err := drugRef(r, chi.URLParam(r, "drugID"))
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	var req MarkOrderedRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}
	if err := httputil.Validate(r.Context(), &req); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	placedBy := actor.FromContext(ctx).Label()
	order, err := h.service.MarkOrdered(ctx, ref, req.Quantity, placedBy)
	if err != nil {
		if errors.IsAlreadyOrdered(err) {
			h.logger.Info().Str("drug_id", ref.ID).Str("drug_partition", string(ref.Partition)).
				Str("placed_by", placedBy).Msg("repeated order placement")
		}
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.Created(w, order)
}

// ItemFulfillment returns the derived procurement state of one order item
func (h *ConsolidationHandler) ItemFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	f, err := h.service.ItemFulfillment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, f)
}

// PharmacyOrders returns a pharmacy's tracked orders
func (h *ConsolidationHandler) PharmacyOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	orders, err := h.service.PharmacyOrderView(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, orders)
}

// ResolveDrug looks a drug up in the catalog, optionally in one partition
func (h *ConsolidationHandler) ResolveDrug(w http.ResponseWriter, r *http.Request) {
	ref, err := drugRef(r, chi.URLParam(r, "id"))
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	drug, err := h.service.ResolveDrug(ctx, ref)
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// Exceptions lists reconciliation exceptions, optionally for one drug
func (h *ConsolidationHandler) Exceptions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	exceptions, err := h.service.ListExceptions(ctx, r.URL.Query().Get("drug_id"))
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, exceptions)
}

// ReconcileOrder replays reversal handling for an order
func (h *ConsolidationHandler) ReconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	report, err := h.service.ReconcileOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}

// drugRef builds a catalog reference from a path id and the optional
// ?partition= query parameter
func drugRef(r *http.Request, id string) (domain.DrugRef, error) {
	partition, err := domain.ParsePartition(r.URL.Query().Get("partition"))
	if err != nil {
		return domain.DrugRef{}, errors.Validation(map[string]string{"partition": err.Error()})
	}
	return domain.DrugRef{Partition: partition, ID: id}, nil
}
