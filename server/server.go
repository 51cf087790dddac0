// Package server exposes the pipeline runner over HTTP: a push event stream
// per run (NDJSON and WebSocket transports), guide document upload, run
// history, and a liveness probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/runlet/runlet/history"
	"github.com/runlet/runlet/pipeline"
)

// Server runs the HTTP frontend for the pipeline runner. One run is in
// flight per connection; the run's process handle and pipes are owned by the
// handler goroutine for the run's lifetime.
type Server struct {
	logger *zap.SugaredLogger

	launcher *pipeline.Launcher
	store    *history.Store

	listenAddr       string
	uploadDir        string
	queueSize        int
	killOnDisconnect bool

	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithStore enables run history persistence. Without it runs are not recorded.
func WithStore(st *history.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithUploadDir sets where uploaded guide documents are stored.
func WithUploadDir(dir string) Option {
	return func(s *Server) {
		s.uploadDir = dir
	}
}

// WithQueueSize bounds each run's event channel.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithKillOnDisconnect kills the child process when the client connection
// drops mid-run. The default lets an abandoned run finish with its output
// discarded.
func WithKillOnDisconnect(kill bool) Option {
	return func(s *Server) {
		s.killOnDisconnect = kill
	}
}

// New constructs a server around the given launcher.
func New(launcher *pipeline.Launcher, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:     logger.Named("runlet").Sugar(),
		launcher:   launcher,
		listenAddr: "127.0.0.1:8080",
		uploadDir:  os.TempDir(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run serves HTTP and returns once the server has stopped.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.POST("/api/runs", s.startRun)
	router.GET("/api/runs", s.listRuns)
	router.GET("/api/runs/ws", s.startRunWS)
	router.POST("/api/guides/*path", s.postGuide)

	server := http.Server{Handler: router}
	s.httpServer = &server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Add("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// runContext picks the context governing the child process's lifetime. The
// request context kills the child when the client goes away; the background
// context lets it run to completion.
func (s *Server) runContext(r *http.Request) context.Context {
	if s.killOnDisconnect {
		return r.Context()
	}
	return context.Background()
}

// startRun launches a pipeline run and streams its events as NDJSON, one
// JSON object per line, flushed after every event. The response ends
// immediately after the terminal event.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, cleanup, err := s.parseRunForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer cleanup()

	runID := uuid.NewString()
	log := s.logger.Named("run").With("RunID", runID)

	startedAt := time.Now()
	events, err := pipeline.Run(s.runContext(r), log, s.launcher, req, s.queueSize)
	if err != nil {
		var invalid *pipeline.InvalidRequestError
		if errors.As(err, &invalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Run-Id", runID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	clientGone := false
	var terminal pipeline.Event
	for ev := range events {
		if ev.Terminal() {
			terminal = ev
		}
		if clientGone {
			// keep draining so the process can finish; output is discarded
			continue
		}
		if err := enc.Encode(ev); err != nil {
			log.Debugf("client write failed, discarding remaining output: %s", err)
			clientGone = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	log.Debugw("run finished", "Terminal", terminal.Type)
	s.record(runID, req, startedAt, terminal)
}

// parseRunForm maps the inbound form to a run request. The optional guide
// document part is saved under the upload dir and its path substituted into
// the request; the returned cleanup removes it.
func (s *Server) parseRunForm(r *http.Request) (pipeline.Request, func(), error) {
	cleanup := func() {}
	err := r.ParseMultipartForm(32 << 20)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return pipeline.Request{}, cleanup, fmt.Errorf("parsing form: %w", err)
	}

	req := pipeline.Request{
		ProjectURL:    r.FormValue("projectUrl"),
		Episodes:      r.FormValue("episodes"),
		SlackEnabled:  parseBoolish(r.FormValue("slackEnabled")),
		SlackTemplate: r.FormValue("slackTemplate"),
	}

	if r.MultipartForm != nil {
		guide, header, ferr := r.FormFile("guide")
		if ferr == nil {
			defer guide.Close()
			path, serr := s.saveGuide(header.Filename, guide)
			if serr != nil {
				return pipeline.Request{}, cleanup, serr
			}
			req.GuidePath = path
			cleanup = func() { os.Remove(path) }
		} else if !errors.Is(ferr, http.ErrMissingFile) {
			return pipeline.Request{}, cleanup, fmt.Errorf("reading guide upload: %w", ferr)
		}
	}
	return req, cleanup, nil
}

func parseBoolish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "on", "1":
		return true
	}
	return false
}

func (s *Server) record(runID string, req pipeline.Request, startedAt time.Time, terminal pipeline.Event) {
	if s.store == nil {
		return
	}
	rec := history.Record{
		ID:         runID,
		ProjectURL: req.ProjectURL,
		Episodes:   pipeline.NormalizeEpisodes(req.Episodes),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	switch terminal.Type {
	case pipeline.EventComplete:
		rec.ExitCode = *terminal.ExitCode
		rec.Success = *terminal.Success
	case pipeline.EventError:
		rec.ExitCode = -1
		rec.Error = terminal.Message
	default:
		// feed ended without a terminal event; record the anomaly
		rec.ExitCode = -1
		rec.Error = "run ended without a terminal event"
	}
	if err := s.store.Insert(context.Background(), rec); err != nil {
		s.logger.Warnf("recording run %s: %s", runID, err)
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.store == nil {
		http.Error(w, "run history is not enabled", http.StatusNotFound)
		return
	}
	recs, err := s.store.Recent(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(recs); err != nil {
		s.logger.Debugf("error writing run list: %s", err)
	}
}
