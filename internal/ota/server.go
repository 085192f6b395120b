package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// restartResponseDelay gives the HTTP response time to reach the pusher
// before the restart sequence begins.
const restartResponseDelay = 500 * time.Millisecond

// pushReadTimeout bounds a whole image upload.
const pushReadTimeout = 5 * time.Minute

// maxImageSize caps pushed images; larger bodies are rejected mid-stream.
const maxImageSize = 64 << 20 // 64MB

// Server is the LAN-facing HTTP update endpoint.
//
// Installers on the local network push a firmware image with a single POST:
//
//	curl -X POST --data-binary @firmware.img http://<device>:8080/update
//
// The image streams straight into the inactive slot; on success the boot
// selector moves to it and a deferred restart is scheduled.
type Server struct {
	cfg     config.UpdateConfig
	env     *BootEnv
	restart RestartScheduler
	log     *logging.Logger

	// directRestart is the fallback when scheduling a deferred restart is
	// rejected.
	directRestart func()

	server *http.Server
}

// NewServer creates the update endpoint. It does not listen until Start.
func NewServer(cfg config.UpdateConfig, env *BootEnv, restart RestartScheduler, directRestart func(), log *logging.Logger) *Server {
	return &Server{
		cfg:           cfg,
		env:           env,
		restart:       restart,
		directRestart: directRestart,
		log:           log,
	}
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoveryMiddleware)

	r.Post("/update", s.handleUpdate)
	r.Get("/health", s.handleHealth)

	return r
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       pushReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		s.log.Info("update endpoint listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("update endpoint error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the update endpoint.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.log.Info("update endpoint shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down update endpoint: %w", err)
	}
	return nil
}

// handleHealth reports liveness for installers probing the endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","running_slot":"%s"}`, s.env.RunningSlot())
}

// handleUpdate streams a pushed firmware image into the inactive slot.
//
// The write session is opened lazily on the first received chunk, so a
// zero-byte POST is rejected without touching the slot. A success response
// is written before the restart is scheduled, giving the client its 200.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	slot := s.env.NextUpdateSlot()
	body := http.MaxBytesReader(w, r.Body, maxImageSize)

	var ws *WriteSession
	buf := make([]byte, pullChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if ws == nil {
				var berr error
				ws, berr = s.env.Begin(slot)
				if berr != nil {
					s.log.Error("update push rejected", "slot", slot, "error", berr)
					http.Error(w, berr.Error(), http.StatusConflict)
					return
				}
			}
			if _, werr := ws.Write(buf[:n]); werr != nil {
				ws.Abort()
				s.log.Error("update push write failed", "error", werr)
				http.Error(w, "writing image failed", http.StatusInternalServerError)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ws != nil {
				ws.Abort()
			}
			s.log.Error("update push read failed", "error", err)
			http.Error(w, "reading image failed", http.StatusBadRequest)
			return
		}
	}

	if ws == nil {
		// Chunked request that carried no bytes.
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	received := ws.BytesWritten()
	if r.ContentLength > 0 && received != r.ContentLength {
		ws.Abort()
		s.log.Error("update push incomplete", "received", received, "expected", r.ContentLength)
		http.Error(w, fmt.Sprintf("incomplete upload: %d/%d bytes", received, r.ContentLength), http.StatusBadRequest)
		return
	}

	if err := ws.Finalize(); err != nil {
		s.log.Error("update push finalize failed", "error", err)
		http.Error(w, "finalizing image failed", http.StatusInternalServerError)
		return
	}
	if err := s.env.SetBootSlot(slot); err != nil {
		s.log.Error("update push boot selection failed", "error", err)
		http.Error(w, "selecting boot slot failed", http.StatusInternalServerError)
		return
	}

	s.log.Info("update push complete", "slot", slot, "bytes", received)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK: %d bytes written to slot %s, restarting\n", received, slot)

	// The response must leave before the broker session and listener go down.
	go func() {
		time.Sleep(restartResponseDelay)
		if err := s.restart.ScheduleRestart(); err != nil {
			s.log.Warn("deferred restart rejected after push, restarting directly", "error", err)
			if s.directRestart != nil {
				s.directRestart()
			}
		}
	}()
}

// recoveryMiddleware converts handler panics into 500 responses.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("update handler panic recovered", "panic", rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
