// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/iotistic/agent/internal/identity"
)

const (
	// shutdownTimeout bounds the drain of in-flight requests once the
	// worker is killed. Log streams are hijacked connections and end
	// on their own when the tomb dies.
	shutdownTimeout = 5 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Server is a worker serving the local admin API on a TCP listener.
type Server struct {
	tomb     tomb.Tomb
	config   Config
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	streams int
}

// NewServer binds the configured address and starts serving. The
// listener is open by the time NewServer returns, so callers can
// resolve an ":0" address through Addr immediately.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", config.Addr)
	}
	s := &Server{
		config:   config,
		listener: listener,
	}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// Kill implements worker.Worker.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Report is shown in the dependency engine report.
func (s *Server) Report() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"addr":        s.listener.Addr().String(),
		"log-streams": s.streams,
	}
}

func (s *Server) loop() error {
	s.config.Logger.Infof("admin api listening on %s", s.listener.Addr())

	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(s.listener)
	}()

	select {
	case <-s.tomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.config.Logger.Warningf("admin api shutdown: %v", err)
			_ = s.server.Close()
		}
		<-served
		return tomb.ErrDying
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return tomb.ErrDying
		}
		return errors.Trace(err)
	}
}

func (s *Server) streamStarted() {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
}

func (s *Server) streamEnded() {
	s.mu.Lock()
	s.streams--
	s.mu.Unlock()
}

// errorResponse is the uniform error body for every endpoint.
type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.config.Logger.Errorf("admin api writing response: %v", err)
	}
}

// writeError maps the error's kind onto an HTTP status and the wire
// code carried in the body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, identity.ErrAlreadyRegistered):
		statusCode, code = http.StatusConflict, "already-registered"
	case errors.Is(err, errors.NotValid):
		statusCode, code = http.StatusBadRequest, "bad-request"
	case errors.Is(err, errors.NotFound):
		statusCode, code = http.StatusNotFound, "not-found"
	case errors.Is(err, errors.Unauthorized):
		statusCode, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errors.NotSupported):
		statusCode, code = http.StatusNotImplemented, "not-supported"
	}
	s.writeJSON(w, statusCode, errorResponse{Error: code, Message: err.Error()})
}

func (s *Server) handleNotFound(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorResponse{
		Error:   "not-found",
		Message: fmt.Sprintf("no endpoint %s %s", req.Method, req.URL.Path),
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error:   "method-not-allowed",
		Message: fmt.Sprintf("%s not allowed on %s", req.Method, req.URL.Path),
	})
}
