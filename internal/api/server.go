// server.go - Router setup, CORS and request logging

package api

import (
	"context"
	"time"

	"github.com/bosocmputer/image_wizard/internal/billing"
	"github.com/bosocmputer/image_wizard/internal/convert"
	"github.com/bosocmputer/image_wizard/internal/identity"
	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// AccountHeader carries the caller's account ref, set by the auth gateway in
// front of this service. Requests without it are anonymous.
const AccountHeader = "X-Account-Ref"

// Converter runs one conversion.
type Converter interface {
	Convert(ctx context.Context, req convert.Request) (*convert.Result, error)
}

// Config holds the HTTP-facing settings.
type Config struct {
	AllowedOrigins string
	MaxUploadBytes int64
	PublicURL      string

	CheckoutURL           string
	PaymentSigningSecret  string
	IdentityWebhookSecret string

	// HealthCheck, when set, is reported by /health (usually the store ping).
	HealthCheck func(ctx context.Context) error
}

// Server holds the handlers' dependencies.
type Server struct {
	converter Converter
	ledger    *ledger.Ledger
	quota     ratelimit.FreeQuota
	cfg       Config

	payments *billing.SignatureVerifier
	users    *identity.Verifier
}

// NewServer fails only on a malformed identity webhook secret.
func NewServer(converter Converter, l *ledger.Ledger, quota ratelimit.FreeQuota, cfg Config) (*Server, error) {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = convert.DefaultMaxPayloadBytes
	}
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = "*"
	}
	verifier, err := identity.NewVerifier(cfg.IdentityWebhookSecret)
	if err != nil {
		return nil, err
	}
	return &Server{
		converter: converter,
		ledger:    l,
		quota:     quota,
		cfg:       cfg,
		payments:  billing.NewSignatureVerifier(cfg.PaymentSigningSecret),
		users:     verifier,
	}, nil
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), s.cors())

	// Root endpoint for SSL verification
	router.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})
	router.GET("/health", s.HealthHandler)

	v1 := router.Group("/api/v1")
	v1.GET("/modes", ModesHandler)
	v1.GET("/quota", s.QuotaHandler)
	v1.POST("/convert", s.ConvertHandler)

	v1.POST("/webhooks/payment", s.PaymentWebhookHandler)
	v1.POST("/webhooks/identity", s.IdentityWebhookHandler)

	account := v1.Group("", requireAccount())
	account.GET("/conversions", s.HistoryHandler)
	account.GET("/user/credits", s.CreditsHandler)
	account.GET("/profile", s.ProfileHandler)
	account.POST("/coupon/redeem", s.RedeemCouponHandler)
	account.POST("/checkout", s.CheckoutHandler)

	return router
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AccountHeader)
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := log.Info()
		if c.Writer.Status() >= 500 {
			evt = log.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http")
	}
}

func requireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if accountRef(c) == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "sign in required", "code": string(convert.KindAccountRequired)})
			return
		}
		c.Next()
	}
}
