package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"votedb/pkg/compression"
	"votedb/pkg/dberrors"
	"votedb/pkg/merge"
	"votedb/pkg/rpc"
	"votedb/pkg/view"
	"votedb/pkg/writerlog"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
	defaultTopLimit          = 10
	maxRecordsPerRequest     = 1024
)

type iViewAPI interface {
	AddPost(ctx context.Context, data []byte) (string, error)
	UpVote(ctx context.Context, hash string) error
	DownVote(ctx context.Context, hash string) error
	Get(hash string) (view.Post, error)
	IterateAll() *view.Iterator
	IterateTop() *view.Iterator
}

type iMerger interface {
	Frontier() merge.Frontier
	Writers() []string
	PendingLen() int
}

// Server represents the HTTP surface of a node.
type Server struct {
	view     iViewAPI
	merger   iMerger
	logs     map[string]writerlog.Reader
	localID  string
	name     string
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration

	httpServer *http.Server
	listener   net.Listener
	URL        string
	addr       string
}

type Option func(*Server)

// WithLocalLog serves log to other nodes and reports it as the local writer.
func WithLocalLog(log writerlog.Reader) Option {
	return func(s *Server) {
		s.logs[log.ID()] = log
		s.localID = log.ID()
	}
}

func WithMerger(m iMerger) Option {
	return func(s *Server) {
		s.merger = m
	}
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer creates a new server instance
func NewServer(v iViewAPI, port string, opts ...Option) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		view:              v,
		logs:              make(map[string]writerlog.Reader),
		gatherer:          prometheus.DefaultGatherer,
		logger:            slog.Default(),
		readHeaderTimeout: defaultReadHeaderTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", s.handleInfo)

		r.Route("/posts", func(r chi.Router) {
			r.Post("/", s.handleAddPost)
			r.Get("/", s.handleListPosts)
			r.Get("/top", s.handleTopPosts)
			r.Get("/{hash}", s.handleGetPost)
			r.Post("/{hash}/upvote", s.handleVote(true))
			r.Post("/{hash}/downvote", s.handleVote(false))
		})
	})
	r.With(compression.Middleware).Get(rpc.RecordsPath, s.handleRecords)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := InfoResponse{Writer: s.localID, Name: s.name, Writers: []string{}, Applied: map[string]uint64{}}
	if s.merger != nil {
		f := s.merger.Frontier()
		info.Writers = s.merger.Writers()
		info.Applied = f.Applied
		info.Clock = f.Clock
		info.Pending = s.merger.PendingLen()
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAddPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	data := r.FormValue("data")
	if data == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing data"))
		return
	}

	hash, err := s.view.AddPost(r.Context(), []byte(data))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, NewHashResponse(hash))
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r, 0)
	if !ok {
		return
	}
	posts, err := view.Collect(s.view.IterateAll(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewPostsResponse(posts))
}

func (s *Server) handleTopPosts(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r, defaultTopLimit)
	if !ok {
		return
	}
	posts, err := view.Collect(s.view.IterateTop(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewPostsResponse(posts))
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.view.Get(chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewPostResponse(p))
}

func (s *Server) handleVote(up bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := chi.URLParam(r, "hash")

		var err error
		if up {
			err = s.view.UpVote(r.Context(), hash)
		} else {
			err = s.view.DownVote(r.Context(), hash)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, NewHashResponse(hash))
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "writer")
	log, ok := s.logs[id]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Unknown writer"))
		return
	}

	from := uint64(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid from"))
			return
		}
		from = v
	}
	limit, ok := s.parseLimit(w, r, maxRecordsPerRequest)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxRecordsPerRequest {
		limit = maxRecordsPerRequest
	}

	recs, err := log.Read(r.Context(), from, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rpc.RecordsResponse{Writer: id, From: from, Records: recs})
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
		return 0, false
	}
	return limit, true
}
