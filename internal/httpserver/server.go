package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"toolbot/internal/metrics"
	"toolbot/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	SMSWebhook http.Handler
}

// Server wraps an http.Server with predefined routes: health, metrics, the
// inbound SMS webhook and the token-guarded admin API managers use to run
// their catalog.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	store      repo.Store
	adminToken string
	basePath   string
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, store repo.Store, handlers Handlers, adminToken, basePath string) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		store:      store,
		adminToken: adminToken,
		basePath:   normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	if handlers.SMSWebhook != nil {
		mux.Handle("/webhook/sms", handlers.SMSWebhook)
	}

	mux.HandleFunc("POST /admin/tenants", server.guarded(server.handleCreateTenant))
	mux.HandleFunc("POST /admin/tenants/{tenant}/tools", server.guarded(server.handleAddTool))
	mux.HandleFunc("DELETE /admin/tenants/{tenant}/tools/{id}", server.guarded(server.handleDeleteTool))
	mux.HandleFunc("GET /admin/tenants/{tenant}/checkouts", server.guarded(server.handleListCheckouts))
	mux.HandleFunc("POST /admin/tenants/{tenant}/checkouts/{id}/checkin", server.guarded(server.handleForceCheckin))
	mux.HandleFunc("GET /admin/tenants/{tenant}/history", server.guarded(server.handleListHistory))

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.metrics.Errors.WithLabelValues("admin_auth").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		JoinCode       string   `json:"join_code"`
		RoutingAddress *string  `json:"routing_address"`
		GroupsEnabled  bool     `json:"groups_enabled"`
		GroupNames     []string `json:"group_names"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.JoinCode == "" {
		http.Error(w, "name and join_code are required", http.StatusBadRequest)
		return
	}

	tenant, err := s.store.CreateTenant(r.Context(), repo.Tenant{
		Name:           req.Name,
		JoinCode:       req.JoinCode,
		RoutingAddress: req.RoutingAddress,
		GroupsEnabled:  req.GroupsEnabled,
		GroupNames:     req.GroupNames,
		Status:         repo.TenantActive,
	})
	if err != nil {
		s.fail(w, "failed creating tenant", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, tenant)
}

func (s *Server) handleAddTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Aliases []string `json:"aliases"`
		Group   *string  `json:"group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	tool, err := s.store.AddTool(r.Context(), repo.Tool{
		TenantID: r.PathValue("tenant"),
		Name:     req.Name,
		Aliases:  req.Aliases,
		Group:    req.Group,
	})
	if err != nil {
		s.fail(w, "failed adding tool", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, tool)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteTool(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err == repo.ErrNotFound {
		http.Error(w, "tool not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "failed deleting tool", err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleListCheckouts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListActiveCheckouts(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.fail(w, "failed listing checkouts", err)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleForceCheckin(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.CheckinByID(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err == repo.ErrNotFound {
		http.Error(w, "checkout not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "failed closing checkout", err)
		return
	}
	writeJSON(w, entry)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListHistory(r.Context(), r.PathValue("tenant"), 100)
	if err != nil {
		s.fail(w, "failed listing history", err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	s.metrics.Errors.WithLabelValues("admin_api").Inc()
	http.Error(w, msg, http.StatusInternalServerError)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
