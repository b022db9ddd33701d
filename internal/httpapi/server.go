package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/crossbario/crossbar-sub003/internal/config"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/upload"
)

// Server serves chunk uploads for one engine.
type Server struct {
	cfg    *config.Config
	engine *upload.Engine
	logger *slog.Logger

	handler  http.Handler
	listener net.Listener
	server   *http.Server
}

// New builds the router. The server does not listen until Start.
func New(cfg *config.Config, engine *upload.Engine, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logging.NewComponentLogger(logger, "http-api"),
	}
	s.handler = gzhttp.GzipHandler(s.routes())
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Group(func(pr chi.Router) {
		pr.Use(bearerAuth(s.cfg.Paths.APIToken))
		path := s.cfg.Paths.APIPath
		if path == "" {
			path = "/"
		}
		pr.Post(path, s.handleChunk)
		pr.Get(path, s.handleQuery)
	})
	return r
}

// Handler returns the full HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound listener address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens on the configured bind address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	bind := strings.TrimSpace(s.cfg.Paths.APIBind)
	if bind == "" {
		return errors.New("api_bind is empty")
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_serve_failed", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.String("path", s.cfg.Paths.APIPath),
		logging.Bool("auth", s.cfg.Paths.APIToken != ""),
	)
	return nil
}

// Stop shuts the server down, waiting up to five seconds for in-flight requests.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

type chunkResponse struct {
	Status    string `json:"status"`
	ID        string `json:"id"`
	Chunk     int    `json:"chunk"`
	Received  int    `json:"received"`
	Total     int    `json:"total"`
	Remaining int    `json:"remaining"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Uploads int    `json:"uploads"`
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	c, cleanup, err := decodeChunk(w, r, s.cfg.Fields, s.maxBody())
	defer cleanup()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", string(upload.KindValidation))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), string(upload.KindValidation))
		return
	}

	ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
	res, err := s.engine.HandleChunk(ctx, c)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logging.ErrorWithContext(s.logger, "chunk request failed", "chunk_request_failed",
				logging.String(logging.FieldUploadID, c.FileName),
				logging.Int(logging.FieldChunk, c.ChunkNumber),
				logging.String(logging.FieldCorrelationID, middleware.GetReqID(r.Context())),
				logging.Error(err),
			)
		}
		writeError(w, status, err.Error(), string(upload.Kind(err)))
		return
	}

	writeJSON(w, http.StatusOK, chunkResponse{
		Status:    string(res.Status),
		ID:        res.ID,
		Chunk:     res.Chunk,
		Received:  res.Received,
		Total:     res.Total,
		Remaining: res.Remaining,
		Duplicate: res.Duplicate,
		Size:      res.Size,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := decodeQuery(r.URL.Query(), s.cfg.Fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), string(upload.KindValidation))
		return
	}
	if s.engine.ChunkReceived(q.name, q.chunk) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Uploads: s.engine.Registry().Len()})
}

func (s *Server) maxBody() int64 {
	limit := s.cfg.MaxFileSizeBytes()
	if limit <= 0 {
		return 0
	}
	return limit + multipartOverhead
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	}
	switch upload.Kind(err) {
	case upload.KindConflict:
		return http.StatusConflict
	case upload.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}
