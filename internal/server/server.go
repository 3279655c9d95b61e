// Package server exposes the matching service over HTTP.
package server

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matchbook-io/matchbook/internal/engine"
	"github.com/matchbook-io/matchbook/internal/repository"
)

const requestIDHeader = "X-Request-ID"

// Server wires handlers, middleware and routes into a gin router.
type Server struct {
	engine *engine.Engine
	store  repository.Store
	logger *zap.Logger
}

// New creates a Server over the matching engine and the read-side store.
func New(eng *engine.Engine, store repository.Store, logger *zap.Logger) *Server {
	return &Server{engine: eng, store: store, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router(allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(requestID())
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders: []string{"Content-Length", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	orders := router.Group("/api/orders")
	{
		orders.POST("/place", s.PlaceOrder)
		orders.GET("/pending", s.PendingOrders)
		orders.GET("/completed", s.CompletedOrders)
		orders.GET("/all", s.AllOrders)
		orders.GET("/orderbook", s.OrderBook)
		orders.GET("/market-depth", s.MarketDepth)
		orders.GET("/health", s.Health)
	}
	return router
}

// requestID tags every request with an ID for log correlation, honoring a
// caller-provided one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
