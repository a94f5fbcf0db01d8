package shop

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amlume/authkit"
	"github.com/amlume/authkit/middleware"
)

// AdminRole is required on mutating catalog routes.
const AdminRole = "admin"

// Handlers is the HTTP surface for the catalog. Browsing is public;
// mutations require an authenticated admin.
type Handlers struct {
	catalog  *Catalog
	engine   *authkit.Engine
	notifier *Notifier
	logger   *zap.Logger
}

// NewHandlers wires the handler set. notifier may be nil; orders then skip
// the confirmation mail.
func NewHandlers(catalog *Catalog, engine *authkit.Engine, notifier *Notifier, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{catalog: catalog, engine: engine, notifier: notifier, logger: logger}
}

// Routes mounts the catalog endpoints.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/categories", h.listCategories)
	r.Get("/categories/{id}", h.getCategory)
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)

	// Orders move money, so a live session is mandatory; a blacklisted or
	// logged-out token must not slip through a stale cache entry.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Guard(h.engine, authkit.ModeStrict))
		r.Post("/orders", h.createOrder)
		r.Get("/orders/{id}", h.getOrder)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Guard(h.engine, authkit.ModeCached))
		r.Use(middleware.RequireRole(AdminRole))

		r.Post("/categories", h.createCategory)
		r.Put("/categories/{id}", h.updateCategory)
		r.Delete("/categories/{id}", h.deleteCategory)
		r.Post("/products", h.createProduct)
		r.Put("/products/{id}", h.updateProduct)
		r.Delete("/products/{id}", h.deleteProduct)
	})
}

func (h *Handlers) listCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.catalog.ListCategories(r.Context(), pageFrom(r))
	if err != nil {
		h.serverError(w, "list categories", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cats)
}

func (h *Handlers) getCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := h.catalog.GetCategory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.catalogError(w, "get category", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cat)
}

func (h *Handlers) createCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	cat, err := h.catalog.CreateCategory(r.Context(), req.Name, req.Description)
	if err != nil {
		h.catalogError(w, "create category", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cat)
}

func (h *Handlers) updateCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	err := h.catalog.UpdateCategory(r.Context(), Category{
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.catalogError(w, "update category", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteCategory(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.catalogError(w, "delete category", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context(), r.URL.Query().Get("category_id"), pageFrom(r))
	if err != nil {
		h.serverError(w, "list products", err)
		return
	}
	h.writeJSON(w, http.StatusOK, products)
}

func (h *Handlers) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.catalogError(w, "get product", err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

type productRequest struct {
	CategoryID  string `json:"category_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceMinor  int64  `json:"price_minor"`
	Currency    string `json:"currency"`
	Stock       int64  `json:"stock"`
}

func (h *Handlers) createProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	p, err := h.catalog.CreateProduct(r.Context(), Product{
		CategoryID:  req.CategoryID,
		Name:        req.Name,
		Description: req.Description,
		PriceMinor:  req.PriceMinor,
		Currency:    req.Currency,
		Stock:       req.Stock,
	})
	if err != nil {
		h.catalogError(w, "create product", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	err := h.catalog.UpdateProduct(r.Context(), Product{
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Description: req.Description,
		PriceMinor:  req.PriceMinor,
		Currency:    req.Currency,
		Stock:       req.Stock,
	})
	if err != nil {
		h.catalogError(w, "update product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.catalogError(w, "delete product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Email string      `json:"email"`
		Items []OrderItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	order, err := h.catalog.CreateOrder(r.Context(), principal.UserID, req.Email, req.Items)
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.catalogError(w, "create order", err)
		return
	}

	if h.notifier != nil && order.Email != "" {
		// Confirmation mail must not hold up the response; the notifier
		// has its own retry and breaker.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := h.notifier.SendOrderConfirmation(ctx, order.Email, order.ID, order.Lines); err != nil {
				h.logger.Warn("order confirmation not sent",
					zap.String("order_id", order.ID),
					zap.Error(err),
				)
			}
		}()
	}

	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	order, err := h.catalog.GetOrder(r.Context(), principal.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.catalogError(w, "get order", err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func pageFrom(r *http.Request) Page {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return Page{Limit: limit, Offset: offset}
}

// catalogError maps store errors to HTTP statuses.
func (h *Handlers) catalogError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, "already exists", http.StatusConflict)
	case errors.Is(err, ErrCategoryInUse):
		http.Error(w, "category has products", http.StatusConflict)
	default:
		h.serverError(w, op, err)
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
