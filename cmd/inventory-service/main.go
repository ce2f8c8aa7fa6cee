package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/cart-reservation/internal/catalog"
	"github.com/fjod/cart-reservation/internal/inventory"
	"github.com/fjod/cart-reservation/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// seedProducts backs local development of the cart service.
var seedProducts = []catalog.Product{
	{ID: 1, SKU: "LAP-001", Name: "Laptop", UnitPrice: decimal.RequireFromString("999.99"), Active: true, UnitsInStock: 100},
	{ID: 2, SKU: "MOU-001", Name: "Mouse", UnitPrice: decimal.RequireFromString("29.99"), Active: true, UnitsInStock: 500},
	{ID: 3, SKU: "KEY-001", Name: "Keyboard", UnitPrice: decimal.RequireFromString("79.99"), Active: true, UnitsInStock: 300},
	{ID: 4, SKU: "MON-001", Name: "Monitor", UnitPrice: decimal.RequireFromString("299.99"), Active: true, UnitsInStock: 150},
	{ID: 5, SKU: "HEA-001", Name: "Headphones", UnitPrice: decimal.RequireFromString("149.99"), Active: true, UnitsInStock: 200},
}

func main() {
	port := getEnv("INVENTORY_SERVICE_PORT", "8081")
	log := logger.New(logger.Options{Service: "inventory-service", Level: getEnv("LOG_LEVEL", "info")})
	defer log.Sync() //nolint:errcheck

	memStore := inventory.NewMemoryStore()
	for _, p := range seedProducts {
		memStore.PutProduct(p)
	}
	log.Info("initialized stock", zap.Int("products", len(seedProducts)))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	inventory.NewHandler(memStore, log).Routes(r)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("inventory service listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down inventory service")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := memStore.Close(); err != nil {
		log.Error("failed to stop memstore", zap.Error(err))
	}
	log.Info("inventory service stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
