package checkout

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"shopcore/internal/eventbus"
	"shopcore/internal/idempotency"
	"shopcore/internal/ledger"
	"shopcore/internal/middleware"
)

func setupHandlerTest(t *testing.T) (sqlmock.Sqlmock, *gin.Engine, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	logger := zaptest.NewLogger(t)
	store := ledger.NewStore(db, logger)
	guard := idempotency.NewGuard(db, logger)
	publisher := eventbus.NewPublisher(&mockProducer{}, logger)
	handler := NewHandler(NewCoordinator(store, guard, publisher, logger), store, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RequireAuth(logger))
	router.POST("/checkout", handler.Checkout)
	router.GET("/orders/:id", handler.GetOrder)
	router.GET("/orders", handler.ListOrders)

	return mock, router, func() { db.Close() }
}

func bearerToken(t *testing.T, userID int) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("supersecretkey"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestHandler_Checkout_EmptyCart(t *testing.T) {
	mock, router, cleanup := setupHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}))

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req.Header.Set("Authorization", bearerToken(t, 1))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if !strings.Contains(w.Body.String(), "EmptyCart") {
		t.Errorf("Expected EmptyCart code in body, got %s", w.Body.String())
	}
}

func TestHandler_Checkout_Unauthenticated(t *testing.T) {
	_, router, cleanup := setupHandlerTest(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestHandler_GetOrder_Success(t *testing.T) {
	mock, router, cleanup := setupHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT user_id, total, status, created_at, updated_at FROM orders WHERE id = \$1`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "status", "created_at", "updated_at"}).
			AddRow(1, "25.00", "pending", time.Now(), time.Now()))
	mock.ExpectQuery(`SELECT product_id, quantity, unit_price FROM order_items`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity", "unit_price"}).
			AddRow(1, 2, "12.50"))

	req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
	req.Header.Set("Authorization", bearerToken(t, 1))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// Another user's order must be indistinguishable from a missing one.
func TestHandler_GetOrder_WrongOwner(t *testing.T) {
	mock, router, cleanup := setupHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT user_id, total, status, created_at, updated_at FROM orders WHERE id = \$1`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "status", "created_at", "updated_at"}).
			AddRow(2, "25.00", "pending", time.Now(), time.Now()))
	mock.ExpectQuery(`SELECT product_id, quantity, unit_price FROM order_items`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity", "unit_price"}))

	req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
	req.Header.Set("Authorization", bearerToken(t, 1))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandler_ListOrders(t *testing.T) {
	mock, router, cleanup := setupHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT id, user_id, total, status, created_at, updated_at`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total", "status", "created_at", "updated_at"}).
			AddRow(43, 1, "10.00", "paid", time.Now(), time.Now()).
			AddRow(42, 1, "25.00", "pending", time.Now(), time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", bearerToken(t, 1))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
