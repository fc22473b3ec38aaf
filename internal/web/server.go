// Package web serves the governor status and the per-group tunables over
// HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"cpufreq-governor/internal/governor"
	"cpufreq-governor/internal/logging"
	"cpufreq-governor/internal/tunables"

	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 4096

// Controller is the part of the governor the server reads and configures.
type Controller interface {
	Status() governor.Status
	Group(name string) (*governor.Group, error)
}

// Server serves the governor API over HTTP.
type Server struct {
	httpServer *http.Server
	ctrl       Controller
	logger     *logrus.Logger
}

// New creates a Server for ctrl. metrics may be nil, in which case
// /metrics is not served.
func New(addr string, ctrl Controller, metrics http.Handler) *Server {
	s := &Server{ctrl: ctrl, logger: logging.GetLogger()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /groups", s.handleGroups)
	mux.HandleFunc("GET /groups/{group}/tunables", s.handleTunables)
	mux.HandleFunc("GET /groups/{group}/tunables/{key}", s.handleGetTunable)
	mux.HandleFunc("PUT /groups/{group}/tunables/{key}", s.handleSetTunable)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GroupSummary is one entry of GET /groups.
type GroupSummary struct {
	Name    string `json:"name"`
	Policy  string `json:"policy"`
	CPUs    string `json:"cpus"`
	State   string `json:"state"`
	Current uint   `json:"current_khz"`
}

// TunableValue is the body of a single tunable response, and optionally of a
// PUT request.
type TunableValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	out := make([]GroupSummary, 0, len(st.Groups))
	for _, g := range st.Groups {
		out = append(out, GroupSummary{
			Name:    g.Name,
			Policy:  g.Policy,
			CPUs:    g.CPUs,
			State:   g.State,
			Current: g.Current,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) tunablesFor(r *http.Request) (*tunables.Tunables, error) {
	grp, err := s.ctrl.Group(r.PathValue("group"))
	if err != nil {
		return nil, err
	}
	return grp.Tunables()
}

func (s *Server) handleTunables(w http.ResponseWriter, r *http.Request) {
	t, err := s.tunablesFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleGetTunable(w http.ResponseWriter, r *http.Request) {
	t, err := s.tunablesFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	key := r.PathValue("key")
	v, err := t.Get(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TunableValue{Key: key, Value: v})
}

func (s *Server) handleSetTunable(w http.ResponseWriter, r *http.Request) {
	t, err := s.tunablesFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	value, err := readValue(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	key := r.PathValue("key")
	applied, err := t.Set(key, value)
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"group":    r.PathValue("group"),
		"key":      applied.Key,
		"value":    applied.Value,
		"adjusted": applied.Adjusted,
	}).Info("Tunable updated")
	writeJSON(w, http.StatusOK, applied)
}

// readValue accepts either a JSON TunableValue or the raw value as the body.
func readValue(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var tv TunableValue
		if err := json.Unmarshal(body, &tv); err != nil {
			return "", err
		}
		return tv.Value, nil
	}
	return strings.TrimSpace(string(body)), nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tunables.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, governor.ErrUnknownGroup), errors.Is(err, tunables.ErrUnknownKey):
		status = http.StatusNotFound
	case errors.Is(err, governor.ErrNotStarted):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
