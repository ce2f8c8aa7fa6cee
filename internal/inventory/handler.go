package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fjod/cart-reservation/internal/catalog"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Ledger is what the HTTP handler serves.
type Ledger interface {
	Client
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
	Products() []catalog.Product
}

// Handler exposes a Ledger over the storefront backend's REST contract.
type Handler struct {
	ledger Ledger
	logger *zap.Logger
}

func NewHandler(ledger Ledger, logger *zap.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Route("/products/{id}", func(r chi.Router) {
		r.Get("/", h.getProduct)
		r.Put("/decrease-stock", h.adjust(h.ledger.Reserve, "Stock decreased successfully"))
		r.Put("/increase-stock", h.adjust(h.ledger.Release, "Stock increased successfully"))
	})
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Available *int   `json:"available,omitempty"`
}

func (h *Handler) listProducts(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.ledger.Products())
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid product id"})
		return
	}

	p, err := h.ledger.GetProduct(r.Context(), id)
	if errors.Is(err, catalog.ErrProductNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) adjust(fn func(context.Context, StockRequest) error, okMessage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid product id"})
			return
		}
		qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
		if err != nil || qty <= 0 {
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "quantity must be greater than 0"})
			return
		}

		req := StockRequest{
			ProductID:      id,
			Quantity:       qty,
			IdempotencyKey: r.Header.Get(IdempotencyHeader),
		}
		err = fn(r.Context(), req)

		var rejected *StockRejectedError
		switch {
		case err == nil:
			respondJSON(w, http.StatusOK, messageResponse{Message: okMessage})
		case errors.As(err, &rejected):
			available := rejected.Available
			respondJSON(w, http.StatusBadRequest, errorResponse{Error: "Insufficient stock", Available: &available})
		case errors.Is(err, ErrProductNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrIdempotencyConflict):
			respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		default:
			h.logger.Error("stock adjustment failed", zap.Int64("product_id", id), zap.Error(err))
			respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
