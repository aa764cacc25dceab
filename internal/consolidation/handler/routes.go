package handler

import (
	"github.com/go-chi/chi/v5"

	"github.com/pharmaportal/pharmaportal-backend/pkg/permissions"
)

// Mount registers the consolidation API under /api/v1. Callers install
// authentication before mounting.
func (h *ConsolidationHandler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/consolidation", func(r chi.Router) {
			r.With(permissions.Require(permissions.ConsolidationRead)).Get("/demand", h.Demand)
			r.With(permissions.Require(permissions.ConsolidationSync)).Post("/sync", h.Sync)
			r.With(permissions.Require(permissions.ConsolidationRead)).Get("/drugs", h.Drugs)
			r.With(permissions.Require(permissions.ConsolidationOrder)).Post("/drugs/{drugID}/order", h.MarkOrdered)
			r.With(permissions.Require(permissions.ConsolidationRead)).Get("/exceptions", h.Exceptions)
			r.With(permissions.Require(permissions.ConsolidationSync)).Post("/orders/{orderID}/reconcile", h.ReconcileOrder)
		})

		r.With(permissions.Require(permissions.OrdersRead)).Get("/order-items/{id}/fulfillment", h.ItemFulfillment)
		r.With(permissions.Require(permissions.OrdersRead)).Get("/pharmacies/{id}/orders", h.PharmacyOrders)
		r.With(permissions.Require(permissions.CatalogRead)).Get("/catalog/drugs/{id}", h.ResolveDrug)
	})
}
