package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-sync-service/internal/config"
	"order-sync-service/internal/logger"
	"order-sync-service/internal/orders"
	"order-sync-service/internal/store"
	syncengine "order-sync-service/internal/sync"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Store is the read side the API serves history, conflicts and products from.
type Store interface {
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error)
	ListConflicts(ctx context.Context, limit, offset int) ([]*store.Conflict, error)
	ListProducts(ctx context.Context) ([]*store.Product, error)
}

type Handler struct {
	cfg     config.ServerConfig
	manager *syncengine.Manager
	orders  *orders.Service
	store   Store
	hub     *Hub
}

func NewHandler(cfg config.ServerConfig, manager *syncengine.Manager, svc *orders.Service, s Store, hub *Hub) *Handler {
	return &Handler{
		cfg:     cfg,
		manager: manager,
		orders:  svc,
		store:   s,
		hub:     hub,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Route("/sync", func(r chi.Router) {
			r.Post("/trigger", h.TriggerSync)
			r.Post("/force", h.ForceSync)
			r.Get("/status", h.GetSyncStatus)
			r.Get("/events", h.SyncEvents)
			r.Delete("/failed", h.ClearFailed)
			r.Get("/history", h.GetHistory)
			r.Get("/conflicts", h.GetConflicts)
		})

		r.Route("/orders/active", func(r chi.Router) {
			r.Get("/", h.GetActiveOrder)
			r.Delete("/", h.ClearOrder)
			r.Post("/items", h.AddItem)
			r.Put("/items/{itemID}", h.SetQuantity)
			r.Delete("/items/{itemID}", h.RemoveItem)
		})

		r.Get("/products", h.ListProducts)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.manager.RequestSync()
	writeJSON(w, http.StatusAccepted, h.manager.GetSyncStatus())
}

func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ForceSync(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.GetSyncStatus())
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetSyncStatus())
}

func (h *Handler) SyncEvents(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r, h.manager.GetSyncStatus())
}

func (h *Handler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.ClearFailedActions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	history, err := h.store.GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(history))
}

func (h *Handler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	conflicts, err := h.store.ListConflicts(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(conflicts))
}

type orderResponse struct {
	*store.Order
	Total decimal.Decimal `json:"total"`
}

func writeOrder(w http.ResponseWriter, order *store.Order) {
	writeJSON(w, http.StatusOK, orderResponse{Order: order, Total: order.Total()})
}

func (h *Handler) GetActiveOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.ActiveOrder(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOrder(w, order)
}

func (h *Handler) ClearOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.ClearOrder(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addItemRequest struct {
	ProductID string `json:"productId"`
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "productId is required"})
		return
	}
	order, err := h.orders.AddItem(r.Context(), req.ProductID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOrder(w, order)
}

type quantityRequest struct {
	Quantity *int `json:"quantity"`
}

func (h *Handler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quantity is required"})
		return
	}
	order, err := h.orders.SetQuantity(r.Context(), chi.URLParam(r, "itemID"), *req.Quantity)
	h.writeMutation(w, order, err)
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.RemoveItem(r.Context(), chi.URLParam(r, "itemID"))
	h.writeMutation(w, order, err)
}

// writeMutation answers 204 when the mutation cleared the order.
func (h *Handler) writeMutation(w http.ResponseWriter, order *store.Order, err error) {
	switch {
	case err != nil:
		writeError(w, err)
	case order == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeOrder(w, order)
	}
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.store.ListProducts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(products))
}

func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := "*"
			if len(allowed) > 0 {
				origin = r.Header.Get("Origin")
				if !allowed[origin] {
					origin = ""
				}
			}
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
			}

			if r.Method == http.MethodOptions {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware checks a static bearer token. Browsers cannot set headers
// on websocket upgrades, so a token query parameter is accepted as well. An
// empty token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxPageSize)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrNoActiveOrder),
		errors.Is(err, orders.ErrItemNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncengine.ErrOffline):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, code, errorBody(err))
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
