// Package channel serves the worker-facing WebSocket endpoints: the shared
// claim channel and one channel per run.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/ws"

	"github.com/spooldev/spool/pkg/credentials"
	"github.com/spooldev/spool/pkg/queue"
	"github.com/spooldev/spool/pkg/runs"
	"github.com/spooldev/spool/pkg/tokens"
)

type Server struct {
	authority   *tokens.Authority
	queue       *queue.Service
	runs        *runs.Service
	credentials *credentials.Materializer
	validate    *validator.Validate
	logger      *slog.Logger

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*session
}

func NewServer(
	addr string,
	authority *tokens.Authority,
	queueService *queue.Service,
	runService *runs.Service,
	materializer *credentials.Materializer,
	logger *slog.Logger,
) *Server {
	validate := validator.New()

	// Report violations under the wire field name, not the Go field name.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	server := &Server{
		authority:   authority,
		queue:       queueService,
		runs:        runService,
		credentials: materializer,
		validate:    validate,
		logger:      logger.With("module", "channel"),
		sessions:    make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /worker/claim", server.handleClaimChannel)
	mux.HandleFunc("GET /worker/runs/{run_id}", server.runChannelHandler(false))
	// Older worker builds join attempt channels and speak the attempt-era
	// event names; run:start there means what step:start means here.
	mux.HandleFunc("GET /worker/attempts/{run_id}", server.runChannelHandler(true))

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("worker channel server listening", "addr", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("channel server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests driving the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleClaimChannel(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)

		return
	}

	// The connection is hijacked; the request context dies with this
	// handler, so sessions run on their own context.
	sess := newSession(s, conn, "", false)
	go sess.serve(context.Background())
}

func (s *Server) runChannelHandler(legacy bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)

			return
		}

		sess := newSession(s, conn, runID, legacy)
		go sess.serve(context.Background())
	}
}

func (s *Server) register(sess *session) {
	if sess.runID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.runID] = sess
}

func (s *Server) unregister(sess *session) {
	if sess.runID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[sess.runID] == sess {
		delete(s.sessions, sess.runID)
	}
}

// NotifyRunCancelled pushes run:cancelled to the worker holding the run, if
// one is connected. Returns false when no session holds the run.
func (s *Server) NotifyRunCancelled(runID string) bool {
	s.mu.Lock()
	sess := s.sessions[runID]
	s.mu.Unlock()

	if sess == nil {
		return false
	}

	err := sess.pushCancelled()
	if err != nil {
		s.logger.Warn("failed to push run:cancelled", "run_id", runID, "error", err)

		return false
	}

	return true
}
