// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/iotistic/agent/core/logs"
	"github.com/iotistic/agent/internal/logpipeline"
)

const (
	// DefaultLogLimit is how many entries a query returns when the
	// request does not say.
	DefaultLogLimit = 100

	// streamBuffer is the follower channel depth for live tails. A
	// client slower than this loses entries rather than stalling the
	// pipeline.
	streamBuffer = 64
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// parseLogFilter reads the shared filter parameters of /v1/logs and
// /v1/logs/stream: app, service, level and since.
func parseLogFilter(req *http.Request) (logpipeline.Filter, error) {
	q := req.URL.Query()
	var f logpipeline.Filter
	if v := q.Get("app"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return logpipeline.Filter{}, errors.NotValidf("app %q", v)
		}
		f.AppID = id
	}
	f.ServiceName = q.Get("service")
	if v := q.Get("level"); v != "" {
		f.Level = logs.ParseLevel(v)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return logpipeline.Filter{}, errors.NotValidf("since %q", v)
		}
		f.Since = t
	}
	return f, nil
}

// logsResponse is the body of GET /v1/logs.
type logsResponse struct {
	Count   int          `json:"count"`
	Entries []logs.Entry `json:"entries"`
}

func (s *Server) handleLogs(w http.ResponseWriter, req *http.Request) {
	filter, err := parseLogFilter(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := DefaultLogLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, errors.NotValidf("limit %q", v))
			return
		}
	}
	entries := s.config.Logs.Query(filter, limit)
	if entries == nil {
		entries = []logs.Entry{}
	}
	s.writeJSON(w, http.StatusOK, logsResponse{Count: len(entries), Entries: entries})
}

// handleLogStream upgrades to a websocket and writes one JSON entry
// per message until the client goes away or the worker dies. An
// optional tail=N parameter replays the last N matching entries before
// the live feed starts.
func (s *Server) handleLogStream(w http.ResponseWriter, req *http.Request) {
	filter, err := parseLogFilter(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tail := 0
	if v := req.URL.Query().Get("tail"); v != "" {
		tail, err = strconv.Atoi(v)
		if err != nil || tail < 0 {
			s.writeError(w, errors.NotValidf("tail %q", v))
			return
		}
	}

	conn, err := streamUpgrader.Upgrade(w, req, nil)
	if err != nil {
		s.config.Logger.Errorf("upgrading log stream: %v", err)
		return
	}
	defer conn.Close()
	s.streamStarted()
	defer s.streamEnded()

	// Follow before replaying the backlog so nothing falls between
	// the query and the live feed; the buffer holds what arrives
	// while the backlog drains.
	entries, cancel := s.config.Logs.Follow(filter, streamBuffer)
	defer cancel()

	if tail > 0 {
		for _, e := range s.config.Logs.Query(filter, tail) {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.tomb.Dying():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return
		case <-clientGone:
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
