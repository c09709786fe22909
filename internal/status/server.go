// Package status serves the daemon's health, metrics and diagnostic views.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/peripheral"
	"github.com/srg/blesync/internal/tap"
)

// SnapshotSource exposes the peripheral manager state
type SnapshotSource interface {
	Snapshot() peripheral.Snapshot
}

// RecordSource hands out the records collected since the previous call
type RecordSource interface {
	Drain() ([]tap.Record, error)
}

// Server is the status HTTP endpoint. Both sources are optional; the matching
// routes answer 404 when a source is missing.
type Server struct {
	router    *mux.Router
	snapshots SnapshotSource
	records   RecordSource
	logger    *logrus.Logger
	started   time.Time

	srv *http.Server
	ln  net.Listener
}

func New(snapshots SnapshotSource, records RecordSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    mux.NewRouter(),
		snapshots: snapshots,
		records:   records,
		logger:    logger,
		started:   time.Now(),
	}

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/peripheral", s.peripheral).Methods(http.MethodGet)
	s.router.HandleFunc("/records/recent", s.recent).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Use(s.logRequests)
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("addr", ln.Addr().String()).Info("Status server listening")

	groutine.Go(ctx, "status-server", func(ctx context.Context) {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Status server stopped")
		}
	})
	groutine.Go(ctx, "status-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	})
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.snapshots != nil {
		snap := s.snapshots.Snapshot()
		body["radio_state"] = snap.Radio.String()
		body["connected"] = snap.IsConnected()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) peripheral(w http.ResponseWriter, _ *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusNotFound, "no peripheral manager in this mode")
		return
	}
	writeJSON(w, http.StatusOK, s.snapshots.Snapshot())
}

func (s *Server) recent(w http.ResponseWriter, _ *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusNotFound, "record tap is disabled")
		return
	}
	records, err := s.records.Drain()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []tap.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Status request served")
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
