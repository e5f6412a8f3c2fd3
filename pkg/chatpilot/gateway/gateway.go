// Package gateway exposes the HTTP surface: the inbound message webhook and
// the operator admin API. Auth is a bearer token checked against a bcrypt
// hash, so the config file never holds the token itself.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ravelino/chatpilot/pkg/chatpilot/engine"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// Config configures the HTTP listener.
type Config struct {
	Listen string

	// TokenHash is the bcrypt hash of the bearer token. Empty disables auth,
	// which is only acceptable on loopback.
	TokenHash string
}

// Gateway is the HTTP listener.
type Gateway struct {
	cfg       Config
	engine    *engine.Engine
	store     *store.Store
	accountID string
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway.
func New(cfg Config, eng *engine.Engine, st *store.Store, accountID string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8571"
	}
	return &Gateway{
		cfg:       cfg,
		engine:    eng,
		store:     st,
		accountID: accountID,
		logger:    logger.With("component", "gateway"),
	}
}

// HashToken produces the bcrypt hash stored in config for a bearer token.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(h), nil
}

// Start begins serving in a background goroutine.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	mux := http.NewServeMux()

	// Health (always public).
	mux.HandleFunc("/health", g.handleHealth)

	// Inbound webhook.
	mux.HandleFunc("/webhook/message", g.handleWebhookMessage)

	// Admin API.
	mux.HandleFunc("/api/conversations", g.handleListConversations)
	mux.HandleFunc("/api/conversations/", g.handleConversation)
	mux.HandleFunc("/api/settings", g.handleSettings)

	handler := g.securityHeaders(g.auth(mux))
	g.server = &http.Server{
		Addr:    g.cfg.Listen,
		Handler: handler,
	}

	if g.cfg.TokenHash == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Listen)
		ip := net.ParseIP(host)
		loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
		if !loopback {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
				"listen", g.cfg.Listen)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "listen", g.cfg.Listen)
	return nil
}

// Stop shuts the listener down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// securityHeaders adds standard security headers to all responses.
func (g *Gateway) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// auth checks the bearer token against the stored bcrypt hash. /health stays
// public.
func (g *Gateway) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || g.cfg.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(g.cfg.TokenHash), []byte(token)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
