package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/statement-analyzer/internal/config"
	"github.com/sells-group/statement-analyzer/internal/model"
	"github.com/sells-group/statement-analyzer/internal/monitoring"
	"github.com/sells-group/statement-analyzer/internal/pipeline"
	"github.com/sells-group/statement-analyzer/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for statement analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Pipeline, env.Store, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// analysisRunner runs one batch of statements to a report.
type analysisRunner interface {
	Run(ctx context.Context, docs []model.Document) (*model.AnalysisReport, error)
}

// uploadFile describes one part of a multipart upload.
type uploadFile struct {
	Name string `validate:"required"`
	Size int64  `validate:"gt=0"`
}

// uploadRequest is the validated shape of POST /v1/analyses.
type uploadRequest struct {
	Files []uploadFile `validate:"required,min=1,dive"`
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error    string `json:"error"`
	Stage    string `json:"stage,omitempty"`
	Document string `json:"document,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

type apiServer struct {
	runner    analysisRunner
	store     store.Store
	collector *monitoring.Collector
	cfg       config.ServerConfig
	validate  *validator.Validate
}

// buildRouter wires the HTTP routes.
func buildRouter(runner analysisRunner, st store.Store, sc config.ServerConfig) http.Handler {
	if sc.MaxUploadMB <= 0 {
		sc.MaxUploadMB = 50
	}
	origins := sc.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &apiServer{
		runner:    runner,
		store:     st,
		collector: monitoring.NewCollector(st),
		cfg:       sc,
		validate:  validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyses", s.handleAnalyze)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/phases", s.handleListPhases)
		r.Get("/metrics", s.handleMetrics)
	})

	return r
}

// handleAnalyze accepts a multipart upload with one or more "files" parts
// and runs the pipeline synchronously.
func (s *apiServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload exceeds size limit"})
			return
		}
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["files"]
	upload := uploadRequest{Files: make([]uploadFile, len(headers))}
	for i, fh := range headers {
		upload.Files[i] = uploadFile{Name: fh.Filename, Size: fh.Size}
	}
	if err := s.validate.Struct(upload); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{
			Error: "at least one non-empty file is required in the \"files\" field",
			Kind:  model.KindInvalidDocument,
		})
		return
	}

	docs := make([]model.Document, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, errorResponse{Error: "read upload " + fh.Filename})
			return
		}
		docs = append(docs, model.Document{Name: fh.Filename, Data: data})
	}

	report, err := s.runner.Run(r.Context(), docs)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "list runs failed"})
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *apiServer) handleListPhases(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	phases, err := s.store.ListPhases(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if phases == nil {
		phases = []model.RunPhase{}
	}
	writeJSON(w, http.StatusOK, phases)
}

// handleMetrics returns a run-health snapshot over the last "hours" hours
// (default 24).
func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid hours %q", v)})
			return
		}
		hours = n
	}

	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "collect metrics failed"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// parseRunFilter reads status, company, error_kind, since, limit and offset
// query parameters.
func parseRunFilter(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:    model.RunStatus(q.Get("status")),
		Company:   q.Get("company"),
		ErrorKind: q.Get("error_kind"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, eris.Errorf("invalid limit %q", v)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, eris.Errorf("invalid offset %q", v)
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return filter, eris.Errorf("invalid since %q", v)
		}
		filter.CreatedAfter = time.Now().Add(-d)
	}
	return filter, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

// statusForKind maps a run error kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case model.KindUnsupportedDocument, model.KindInvalidDocument:
		return http.StatusUnprocessableEntity
	case model.KindPollTimeout, model.KindCanceled:
		return http.StatusGatewayTimeout
	case model.KindStorageUpload, model.KindRemoteJob, model.KindSearch,
		model.KindLLM, model.KindSchema, model.KindRateLimit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeRunError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Kind: model.ErrorKind(err)}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		resp.Stage = se.Stage
		resp.Document = se.Document
		resp.Kind = se.Kind()
	}
	writeError(w, statusForKind(resp.Kind), resp)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}
	zap.L().Error("store request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, errorResponse{Error: "store request failed"})
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

// requestLogger logs one line per request with zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
