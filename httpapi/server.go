// Package httpapi is the internal HTTP surface: the applied signal from the
// marketplace, agreement inspection, and service-token exchange. It is not
// exposed to end users.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sponsorflow/agreement"
	"sponsorflow/auth"
)

// AppliedHandler accepts the publisher's "artifact applied" signal.
type AppliedHandler interface {
	HandleApplied(ctx context.Context, agreementID string) error
}

// AgreementReader is the read-only slice of the agreement store the API
// serves.
type AgreementReader interface {
	Get(ctx context.Context, id string) (agreement.Record, error)
	ListChecks(ctx context.Context, agreementID string, limit int) ([]agreement.CheckEntry, error)
}

// TokenService exchanges service API keys for tokens and verifies them.
type TokenService interface {
	IssueToken(ctx context.Context, req auth.TokenRequest) (string, error)
	VerifyToken(token string) (string, error)
}

type Server struct {
	verifier   AppliedHandler
	agreements AgreementReader
	tokens     TokenService
}

func NewServer(verifier AppliedHandler, agreements AgreementReader, tokens TokenService) *Server {
	return &Server{
		verifier:   verifier,
		agreements: agreements,
		tokens:     tokens,
	}
}

// Router builds the engine with every route attached. Token exchange and
// health are open; everything else requires a service token.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/internal/tokens", s.issueToken)

	authed := r.Group("/internal", s.requireServiceToken())
	authed.POST("/agreements/:id/applied", s.agreementApplied)
	authed.GET("/agreements/:id", s.getAgreement)

	return r
}

// callerKey is the gin context key holding the authenticated service name.
const callerKey = "caller_service"

func (s *Server) requireServiceToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		svc, err := s.tokens.VerifyToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(callerKey, svc)
		c.Next()
	}
}
