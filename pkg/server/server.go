// Package server exposes the sandbox execution service over HTTP: the
// session admin surface, the WebSocket terminal upgrade route, and the
// operational endpoints (metrics, health, readiness).
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/sandboxd/sandboxd/pkg/auth"
	"github.com/sandboxd/sandboxd/pkg/coordinator"
	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/metrics"
	"github.com/sandboxd/sandboxd/pkg/provisioner"
	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/terminal"
	"github.com/sandboxd/sandboxd/pkg/types"
)

// Server is the HTTP/WebSocket front door. It holds no business logic of
// its own: create, destroy, and attach admission are Coordinator calls,
// while inspect and the terminal exec call the Provisioner directly.
type Server struct {
	router      chi.Router
	coordinator *coordinator.Coordinator
	provisioner *provisioner.Provisioner
	verifier    auth.Verifier
	allowedOrigins []string
	httpServer  *http.Server
}

// Config controls CORS and listen address; everything else is wired by
// the caller via the constructor arguments.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string // empty means allow all, for development
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// New builds the router and binds every route.
func New(cfg Config, coord *coordinator.Coordinator, prov *provisioner.Provisioner, verifier auth.Verifier) *Server {
	s := &Server{
		coordinator:    coord,
		provisioner:    prov,
		verifier:       verifier,
		allowedOrigins: cfg.AllowedOrigins,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrWildcard(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "X-Api-Key", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleInspect)
		r.Delete("/{id}", s.handleDestroy)
		r.Get("/{id}/ws", s.handleAttach)
	})

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/healthz", metrics.LivenessHandler())

	s.router = r
	s.httpServer = &http.Server{Addr: cfg.ListenAddr, Handler: r}
	return s
}

func originsOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		metrics.AdminHTTPRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rw.Status())).Inc()
	})
}

// ListenAndServe blocks serving HTTP until the context is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("server").Info().Str("addr", s.httpServer.Addr).Msg("admin surface listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type createRequest struct {
	ToolPair    string `json:"toolPair"`
	Environment string `json:"environment"`
	TimeoutMs   int64  `json:"timeoutMs"`
}

type sessionResponse struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Environment string `json:"environment"`
	ToolPair    string `json:"toolPair"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	WSURL       string `json:"wsUrl"`
}

type errorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retryAfter,omitempty"`
}

func toSessionResponse(sess types.Session) sessionResponse {
	expiresAt := sess.LastActivityAt.Add(time.Duration(sess.TimeoutMs) * time.Millisecond)
	return sessionResponse{
		ID:          sess.ID,
		State:       string(sess.State),
		Environment: sess.Environment,
		ToolPair:    sess.ToolPair,
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		WSURL:       "/api/v1/sessions/" + sess.ID + "/ws",
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := sandboxerr.Of(err)
	status := http.StatusInternalServerError
	var retryAfter time.Duration
	msg := err.Error()
	if ok {
		if se, ok2 := err.(*sandboxerr.Error); ok2 {
			status = se.Kind.HTTPStatus()
			retryAfter = se.RetryAfter
			msg = se.Message
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:      string(kind),
		Message:    msg,
		RetryAfter: retryAfter.Seconds(),
	})
}

func (s *Server) identity(r *http.Request) (auth.Identity, error) {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return s.verifier.Verify(key)
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		return s.verifier.Verify(authz)
	}
	return auth.AnonymousIdentity(r.RemoteAddr), nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sandboxerr.Wrap(sandboxerr.InvalidConfiguration, "invalid request body", err))
		return
	}
	id, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.coordinator.CreateSession(r.Context(), coordinator.CreateRequest{
		ToolPair:    req.ToolPair,
		Environment: req.Environment,
		OwnerKey:    id.OwnerKey,
		Tier:        id.Tier,
		TimeoutMs:   req.TimeoutMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toSessionResponse(sess))
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.provisioner.Inspect(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ident, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.coordinator.DestroySession(r.Context(), id, ident.OwnerKey, ident.Tier); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	if !s.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}

	cred := r.URL.Query().Get("token")
	if cred == "" {
		cred = r.URL.Query().Get("apiKey")
	}
	var ident auth.Identity
	if cred == "" {
		ident = auth.AnonymousIdentity(r.RemoteAddr)
	} else {
		var err error
		ident, err = s.verifier.Verify(cred)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	result, err := s.coordinator.Attach(r.Context(), sessionID, ident.OwnerKey, ident.Tier)
	if err != nil {
		status := http.StatusBadGateway
		if se, ok := err.(*sandboxerr.Error); ok {
			status = se.Kind.HTTPStatus()
		}
		http.Error(w, err.Error(), status)
		return
	}

	cols := clampQueryInt(r, "cols", 80, 20, 500)
	rows := clampQueryInt(r, "rows", 24, 5, 200)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		result.Release()
		return
	}

	stream, err := s.provisioner.Exec(r.Context(), result.Session.ContainerID, []string{"/bin/sh", "-l"}, cols, rows)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to attach to container"))
		_ = conn.Close()
		result.Release()
		return
	}

	terminal.Run(r.Context(), conn, stream, sessionID, terminal.Hooks{
		OnActivity:   func() { s.coordinator.BumpActivity(sessionID) },
		CheckCommand: func() bool { return s.coordinator.CheckCommand(ident.OwnerKey, ident.Tier) },
		OnTeardown: func() {
			_ = stream.Close()
			result.Release()
		},
		Banner: result.Environment.WelcomeBanner,
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func clampQueryInt(r *http.Request, key string, def, min, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
