package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/forgeops/pipeforge/internal/config"
	"github.com/forgeops/pipeforge/pkg/cerr"
	"github.com/forgeops/pipeforge/pkg/clog"
)

// Server is the process's HTTP shell: health endpoints, the middleware
// stack, and the JSON control surface over the orchestrator service.
type Server struct {
	server  *http.Server
	env     *config.Env
	control *Control
}

func NewServer(env *config.Env, control *Control) *Server {
	return &Server{env: env, control: control}
}

// ListenAndServe starts the HTTP server. The provided context is the base
// context for all incoming requests; cancelling it (shutdown signal) also
// cancels request contexts so the server can drain without waiting forever.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(clog.SlogChiMiddleware())
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		cerr.WriteJSONError(req.Context(), w, cerr.NewError(cerr.NotFound, "not found", nil))
	})
	r.Route("/api", s.control.Routes)

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker()))
	mux.Handle("/", r)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(mux), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
