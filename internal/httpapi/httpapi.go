// Package httpapi is the thin HTTP ingress in front of the Relay
// Orchestrator: it decodes the two relay route shapes, invokes the
// orchestrator, and translates pkg/relayerr kinds into HTTP status
// codes (spec §6, §7). Grounded on ethereum-go-ethereum's use of
// gorilla/mux for its own HTTP-facing endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pokt-foundation/gateway/internal/orchestrator"
	"github.com/pokt-foundation/gateway/pkg/relayerr"
)

// maxRequestBody caps the bytes read from an inbound relay request
// before the orchestrator's own MaxPayloadBytes check runs, preventing
// an unbounded read into memory.
const maxRequestBody = 16 << 20

// Server is the gateway's HTTP ingress.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger zerolog.Logger
	router *mux.Router
}

// New builds a Server with its routes registered.
func New(orch *orchestrator.Orchestrator, logger zerolog.Logger) *Server {
	s := &Server{orch: orch, logger: logger.With().Str("component", "httpapi").Logger(), router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/{appID}", s.handleRelay(false)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/lb/{lbID}", s.handleRelay(true)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/{appID}/{chainAlias}", s.handleRelayWithAlias(false)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/lb/{lbID}/{chainAlias}", s.handleRelayWithAlias(true)).Methods(http.MethodPost)
}

func (s *Server) handleRelay(lb bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, lb, "")
	}
}

func (s *Server) handleRelayWithAlias(lb bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		s.serve(w, r, lb, vars["chainAlias"])
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, lb bool, chainAlias string) {
	vars := mux.Vars(r)
	id := vars["appID"]
	if lb {
		id = vars["lbID"]
	}
	if chainAlias == "" {
		chainAlias = r.URL.Query().Get("chain")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, s.logger, relayerr.NewClientError(400, "failed to read request body", err))
		return
	}

	payload, err := s.orch.Relay(r.Context(), orchestrator.Request{
		AppID:        id,
		LoadBalancer: lb,
		ChainAlias:   chainAlias,
		Payload:      body,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// writeError translates a relayerr.* kind into the HTTP response shape
// from spec §7. Anything else is an unanticipated internal error.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var clientErr *relayerr.ClientError
	var exhaustedErr *relayerr.ExhaustedError
	var upstreamErr *relayerr.UpstreamError

	switch {
	case errors.As(err, &clientErr):
		status = clientErr.Status
		message = clientErr.Message
	case errors.As(err, &exhaustedErr):
		status = http.StatusServiceUnavailable
		message = "all relay attempts failed"
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
		message = upstreamErr.Message
	default:
		logger.Error().Err(err).Msg("unhandled orchestrator error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// HealthHandler reports liveness; readiness probes belong to cmd/gateway
// where the dependency handles (cache, pool, NATS) live.
func HealthHandler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
