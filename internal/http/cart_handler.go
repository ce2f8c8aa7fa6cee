package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/cart-reservation/internal/catalog"
	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/fjod/cart-reservation/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxQuantity = 99

// CartSessions hands out the per-user cart engines.
type CartSessions interface {
	Get(ctx context.Context, userID string) (*service.ReservationEngine, error)
	End(ctx context.Context, userID string) (domain.Result, error)
}

type CartHandler struct {
	sessions CartSessions
	products catalog.Reader
	timeout  time.Duration
	logger   *zap.Logger
}

func NewCartHandler(sessions CartSessions, products catalog.Reader, timeout time.Duration, logger *zap.Logger) *CartHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartHandler{
		sessions: sessions,
		products: products,
		timeout:  timeout,
		logger:   logger,
	}
}

// Routes mounts the cart API under /api/v1/cart.
func (h *CartHandler) Routes(r chi.Router) {
	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Use(UserIDMiddleware)
		r.Get("/", h.GetCart)
		r.Delete("/", h.ClearCart)
		r.Post("/items", h.AddItem)
		r.Put("/items/{product_id}", h.UpdateQuantity)
		r.Delete("/items/{product_id}", h.RemoveItem)
		r.Post("/session/end", h.EndSession)
	})
}

type AddItemRequestDTO struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity *int `json:"quantity"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, engine.Snapshot())
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}
	if req.Quantity <= 0 || req.Quantity > maxQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	product, err := h.products.GetProduct(ctx, req.ProductID)
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "product_not_found", err.Error())
		return
	case errors.Is(err, catalog.ErrProductInactive):
		respondError(w, http.StatusBadRequest, "product_inactive", err.Error())
		return
	case err != nil:
		h.logger.Error("catalog lookup failed",
			zap.Int64("product_id", req.ProductID),
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "catalog_unavailable", "product catalog unavailable")
		return
	}

	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	res, err := engine.AddItem(ctx, product.Snapshot(), req.Quantity)
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, res)
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "quantity is required")
		return
	}
	if *req.Quantity > maxQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must not exceed 99")
		return
	}

	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	res, err := engine.UpdateQuantity(r.Context(), productID, *req.Quantity)
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	res, err := engine.RemoveItem(r.Context(), productID)
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}
	res, err := engine.ClearCart(r.Context())
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *CartHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.End(r.Context(), getUserID(r.Context()))
	if err != nil {
		h.handleCartError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *CartHandler) engine(w http.ResponseWriter, r *http.Request) (*service.ReservationEngine, bool) {
	engine, err := h.sessions.Get(r.Context(), getUserID(r.Context()))
	if err != nil {
		h.handleCartError(w, r, err)
		return nil, false
	}
	return engine, true
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return 0, false
	}
	return productID, true
}

func (h *CartHandler) handleCartError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		available := stockErr.Available
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:     stockErr.Error(),
			Code:      "insufficient_stock",
			Available: &available,
		})
	case errors.Is(err, domain.ErrItemNotFound):
		respondError(w, http.StatusNotFound, "item_not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, domain.ErrCartClosed):
		respondError(w, http.StatusConflict, "session_ended", err.Error())
	case errors.Is(err, domain.ErrInventoryUnavailable):
		h.logger.Warn("inventory unavailable",
			zap.String("user_id", getUserID(r.Context())),
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "inventory_unavailable", "inventory service unavailable, try again")
	default:
		h.logger.Error("cart operation failed",
			zap.String("user_id", getUserID(r.Context())),
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
