// Package httpserver wires the HTTP surface.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailpilot/internal/handler"
)

// Probe is one dependency checked by /readyz.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handlers struct {
	OAuth    *handler.OAuthHandler
	Webhook  *handler.WebhookHandler
	Triage   *handler.TriageHandler
	Accounts *handler.AccountHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, probes ...Probe) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": p.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public: provider redirects and pushes carry no bearer token
	r.GET("/api/oauth/:provider/callback", h.OAuth.Callback)
	r.POST("/api/webhooks/gmail", h.Webhook.GmailPush)

	auth := r.Group("/api")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.GET("/oauth/:provider/connect", h.OAuth.Connect)

		auth.GET("/triage", h.Triage.List)
		auth.GET("/triage/counts", h.Triage.Counts)
		auth.POST("/triage/:id/actions", h.Triage.Act)
		auth.GET("/auto-handled", h.Triage.AutoHandled)

		auth.POST("/accounts/:id/sync", h.Accounts.Sync)
		auth.DELETE("/accounts/:id", h.Accounts.Deactivate)
	}

	return &Router{Engine: r}
}
