// Package api serves the coordinator's HTTP control surface and streams
// lifecycle events over WebSocket. All trading decisions stay inside the
// coordinator; the API only observes and carries operator actions (resume,
// force-regime, enroll) inward.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/config"
	"github.com/meridian-desk/coordinator/internal/coordinator"
	"github.com/meridian-desk/coordinator/internal/events"
	"github.com/meridian-desk/coordinator/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger *zap.Logger
	config config.ServerConfig
	coord  *coordinator.Coordinator

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	busSub *events.Subscription
}

// NewServer creates the API server and subscribes it to the event bus.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, coord *coordinator.Coordinator) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		coord:   coord,
		router:  mux.NewRouter(),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	s.busSub = coord.EventBus().SubscribeAll(func(e events.Event) error {
		s.broadcastEvent(e)
		return nil
	})
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/instruments", s.handleInstruments).Methods("GET")
	s.router.HandleFunc("/api/v1/instruments/{symbol}", s.handleInstrument).Methods("GET")
	s.router.HandleFunc("/api/v1/instruments/{symbol}", s.handleEnroll).Methods("POST")
	s.router.HandleFunc("/api/v1/instruments/{symbol}", s.handleUnenroll).Methods("DELETE")
	s.router.HandleFunc("/api/v1/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/v1/regime/{symbol}", s.handleForceRegime).Methods("POST")
	s.router.Handle("/metrics", promhttp.HandlerFor(
		s.coord.Metrics().Registry(), promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the route table, used by tests and by Start.
func (s *Server) Router() *mux.Router { return s.router }

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Info("api server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server and drops all WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.coord.EventBus().Unsubscribe(s.busSub)

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	st := s.coord.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instruments": st.Instruments,
		"count":       len(st.Instruments),
	})
}

func (s *Server) handleInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	for _, is := range s.coord.Status().Instruments {
		if is.Instrument == symbol {
			writeJSON(w, http.StatusOK, is)
			return
		}
	}
	http.Error(w, "instrument not enrolled", http.StatusNotFound)
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	s.coord.Enroll(symbol)
	writeJSON(w, http.StatusOK, map[string]string{
		"instrument": symbol,
		"status":     "enrolled",
	})
}

func (s *Server) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)
	if err := s.coord.Unenroll(symbol); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrNotEnrolled) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instrument": symbol,
		"status":     "unenrolled",
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.coord.Resume()
	s.logger.Warn("resume requested via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

var validRegimes = map[types.Regime]bool{
	types.RegimeTightRange:         true,
	types.RegimeWideRange:          true,
	types.RegimeQuietTransition:    true,
	types.RegimeVolatileTransition: true,
	types.RegimeBullTrend:          true,
	types.RegimeBearTrend:          true,
	types.RegimeUnknown:            true,
}

func (s *Server) handleForceRegime(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(r)

	var body struct {
		Regime types.Regime `json:"regime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validRegimes[body.Regime] {
		http.Error(w, fmt.Sprintf("unknown regime %q", body.Regime), http.StatusBadRequest)
		return
	}

	if err := s.coord.ForceRegime(symbol, body.Regime); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrNotEnrolled) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instrument": symbol,
		"regime":     string(body.Regime),
	})
}

// pathSymbol reads the {symbol} path variable. Instruments carry a slash
// (BTC/USDT), which cannot live in a path segment, so routes accept the
// dash form (BTC-USDT).
func pathSymbol(r *http.Request) string {
	return strings.ReplaceAll(mux.Vars(r)["symbol"], "-", "/")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
