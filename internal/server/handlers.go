package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matchbook-io/matchbook/internal/model"
	"github.com/matchbook-io/matchbook/pkg/errors"
)

// PlaceOrderRequest is the order submission payload. Price accepts both a
// JSON number and a string.
type PlaceOrderRequest struct {
	OrderType string          `json:"orderType" binding:"required"`
	Quantity  int64           `json:"quantity" binding:"required"`
	Price     decimal.Decimal `json:"price" binding:"required"`
}

type placeOrderResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Order   *model.Order `json:"order"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PlaceOrder submits an order, triggers a matching pass and replies once
// the pass has committed.
func (s *Server) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: "orderType, quantity and price are required",
		})
		return
	}

	side, err := model.ParseSide(req.OrderType)
	if err != nil {
		s.fail(c, err)
		return
	}

	order, err := s.engine.Submit(c.Request.Context(), side, req.Quantity, req.Price)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, placeOrderResponse{
		Success: true,
		Message: "Order placed successfully",
		Order:   order,
	})
}

// PendingOrders lists the resting set, buys first by descending price,
// sells by ascending price.
func (s *Server) PendingOrders(c *gin.Context) {
	orders, err := s.store.PendingOrders(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": orders})
}

// CompletedOrders lists executions, newest first.
func (s *Server) CompletedOrders(c *gin.Context) {
	execs, err := s.store.CompletedExecutions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": execs})
}

// AllOrders lists pending and completed orders in one response.
func (s *Server) AllOrders(c *gin.Context) {
	pending, err := s.store.PendingOrders(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	completed, err := s.store.CompletedExecutions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"pending":   pending,
		"completed": completed,
	})
}

// OrderBook returns the priority-ordered bid/ask projection of the last
// committed pass.
func (s *Server) OrderBook(c *gin.Context) {
	bids, asks := s.engine.OrderBook()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"orderBook": gin.H{
			"buyers":    bids,
			"sellers":   asks,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// MarketDepth returns resting quantity aggregated per price level.
func (s *Server) MarketDepth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"marketDepth": s.engine.MarketDepth(),
	})
}

// Health reports service liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"service":   "Order Matching Service",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, errorResponse{
		Error:   string(errors.KindOf(err)),
		Message: err.Error(),
	})
}
