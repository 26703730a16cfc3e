package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/e3-lab/beammon/internal/db"
	"github.com/e3-lab/beammon/internal/httputil"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/session"
	"github.com/e3-lab/beammon/internal/snapshot"
	"github.com/e3-lab/beammon/internal/version"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Server serves the monitor's read-only HTTP API and dashboards.
type Server struct {
	ctl       *session.Controller
	journal   *db.DB
	publisher *snapshot.Publisher
}

// NewServer creates a Server. journal and publisher may be nil.
func NewServer(ctl *session.Controller, journal *db.DB, publisher *snapshot.Publisher) *Server {
	return &Server{ctl: ctl, journal: journal, publisher: publisher}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration. Websocket
// upgrades are passed through untouched so the hijacker stays reachable.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Debugf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/trend", s.showTrend)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/commands", s.listCommands)
	mux.HandleFunc("/charts/occupancy", s.handleOccupancyChart)
	mux.HandleFunc("/charts/rate", s.handleRateChart)
	mux.HandleFunc("/charts/rate.png", s.handleRatePlot)
	if s.publisher != nil {
		mux.Handle("/api/snapshots/ws", s.publisher.WebSocketHandler())
	}
	return mux
}

type statusResponse struct {
	Version   version.Info             `json:"version"`
	Session   session.State            `json:"session"`
	Publisher *snapshot.PublisherStats `json:"publisher,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := statusResponse{Version: version.Get(), Session: s.ctl.State()}
	if s.publisher != nil {
		stats := s.publisher.Stats()
		resp.Publisher = &stats
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showTrend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.ctl.Trend().Points())
}

// journalRequest validates a journal listing request and returns its limit.
func (s *Server) journalRequest(w http.ResponseWriter, r *http.Request) (int, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return 0, false
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return 0, false
	}
	limit, ok := httputil.QueryLimit(r, defaultLimit, maxLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return 0, false
	}
	return limit, true
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.journalRequest(w, r)
	if !ok {
		return
	}
	sessions, err := s.journal.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list sessions")
		monitoring.Logf("[API] sessions: %v", err)
		return
	}
	if sessions == nil {
		sessions = []db.SessionRecord{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.journalRequest(w, r)
	if !ok {
		return
	}
	events, err := s.journal.Events(r.URL.Query().Get("session_id"), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list events")
		monitoring.Logf("[API] events: %v", err)
		return
	}
	if events == nil {
		events = []db.EventRecord{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.journalRequest(w, r)
	if !ok {
		return
	}
	commands, err := s.journal.RecentCommands(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list commands")
		monitoring.Logf("[API] commands: %v", err)
		return
	}
	if commands == nil {
		commands = []db.CommandRecord{}
	}
	httputil.WriteJSONOK(w, commands)
}
