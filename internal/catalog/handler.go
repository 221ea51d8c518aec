// Package catalog serves product CRUD. Reads go through the Redis cache
// with a circuit breaker on the database fallback; writes invalidate the
// cache so the next read observes the ledger row. Checkout never reads
// through this path.
package catalog

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"shopcore/internal/cache"
	"shopcore/internal/circuitbreaker"
	"shopcore/internal/models"
	"shopcore/internal/money"
)

type Handler struct {
	db      *sql.DB
	redis   *redis.Client
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker
}

func NewHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *Handler {
	return &Handler{
		db:      db,
		redis:   redisClient,
		logger:  logger,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (h *Handler) GetProducts(c *gin.Context) {
	ctx, span := otel.Tracer("catalog-service").Start(c.Request.Context(), "GetProducts")
	defer span.End()

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, name, description, price, stock, created_at, updated_at FROM products ORDER BY id`)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product", zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, products)
}

func (h *Handler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("catalog-service").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("product.id", id))

	if h.redis != nil {
		if product, err := cache.GetProduct(ctx, h.redis, id); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			c.JSON(http.StatusOK, product)
			return
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	var product models.Product
	dbErr := h.breaker.Execute(ctx, func() error {
		return h.db.QueryRowContext(ctx,
			`SELECT id, name, description, price, stock, created_at, updated_at FROM products WHERE id = $1`,
			id,
		).Scan(&product.ID, &product.Name, &product.Description, &product.Price, &product.Stock, &product.CreatedAt, &product.UpdatedAt)
	})
	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			return
		}
		if errors.Is(dbErr, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch product", zap.Error(dbErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.redis != nil {
		if err := cache.SetProduct(ctx, h.redis, id, &product); err != nil {
			h.logger.Warn("Failed to cache product", zap.String("product_id", id), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, product)
}

func (h *Handler) CreateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("catalog-service").Start(c.Request.Context(), "CreateProduct")
	defer span.End()

	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := money.Parse(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid price"})
		return
	}

	var product models.Product
	err = h.db.QueryRowContext(ctx,
		`INSERT INTO products (name, description, price, stock)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, name, description, price, stock, created_at, updated_at`,
		req.Name, req.Description, price, req.Stock,
	).Scan(&product.ID, &product.Name, &product.Description, &product.Price, &product.Stock, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("product.id", product.ID))
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) UpdateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("catalog-service").Start(c.Request.Context(), "UpdateProduct")
	defer span.End()

	id := c.Param("id")
	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Read-merge-write runs in one transaction with the row locked, so two
	// concurrent partial updates cannot overwrite each other's fields.
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var product models.Product
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, description, price, stock, created_at, updated_at FROM products WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&product.ID, &product.Name, &product.Description, &product.Price, &product.Stock, &product.CreatedAt, &product.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if req.Name != "" {
		product.Name = req.Name
	}
	if req.Description != "" {
		product.Description = req.Description
	}
	if req.Price != "" {
		price, perr := money.Parse(req.Price)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid price"})
			return
		}
		product.Price = price
	}
	if req.Stock != nil {
		product.Stock = *req.Stock
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE products SET name = $1, description = $2, price = $3, stock = $4, updated_at = now()
		 WHERE id = $5 RETURNING updated_at`,
		product.Name, product.Description, product.Price, product.Stock, id,
	).Scan(&product.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to update product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit update", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.redis != nil {
		if err := cache.InvalidateProduct(ctx, h.redis, id); err != nil {
			h.logger.Warn("Failed to invalidate product cache", zap.String("product_id", id), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, product)
}

func (h *Handler) DeleteProduct(c *gin.Context) {
	ctx, span := otel.Tracer("catalog-service").Start(c.Request.Context(), "DeleteProduct")
	defer span.End()

	id := c.Param("id")
	res, err := h.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to delete product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}

	if h.redis != nil {
		if err := cache.InvalidateProduct(ctx, h.redis, id); err != nil {
			h.logger.Warn("Failed to invalidate product cache", zap.String("product_id", id), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
