package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xaenox/realty-agent/internal/api/handlers"
	"github.com/xaenox/realty-agent/internal/api/middleware"
)

type Config struct {
	GinMode      string
	WebhookToken string
}

type Server struct {
	Router *gin.Engine
}

func NewServer(cfg Config, h *handlers.Handler, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	webhook := router.Group("/webhook")
	webhook.Use(middleware.WebhookToken(cfg.WebhookToken))
	{
		webhook.POST("/whatsapp", h.WhatsAppWebhook)
		webhook.POST("/whatsapp/:tenant", h.WhatsAppWebhook)
	}

	return &Server{Router: router}
}
