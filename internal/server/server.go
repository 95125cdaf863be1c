package server

import (
	"log/slog"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"idempotent-payments/internal/database"
	"idempotent-payments/internal/service"
)

type Server struct {
	payments service.PaymentService
	health   database.Service
	log      *slog.Logger
}

func New(payments service.PaymentService, health database.Service, log *slog.Logger) *Server {
	return &Server{
		payments: payments,
		health:   health,
		log:      log,
	}
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
	}))

	r.POST("/v1/payments", s.submitPayment)
	r.GET("/v1/payments/:id", s.getPayment)
	r.GET("/health", s.healthCheck)
	return r
}
