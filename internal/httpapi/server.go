// Package httpapi serves the read-only API over stored posts plus the
// live metrics of a running collection.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/gauravfs-14/socflow/internal/collect"
	"github.com/gauravfs-14/socflow/internal/db"
	"github.com/gauravfs-14/socflow/internal/globaltime"
	"github.com/gauravfs-14/socflow/internal/metrics"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/reader"
	"github.com/gauravfs-14/socflow/internal/sink"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	pool   *db.Pool
	store  sink.Sink
	logger zerolog.Logger
	opts   Options

	// aggregator and statesFn are set when the server runs next to a
	// live collection; both may be nil.
	aggregator *metrics.Aggregator
	statesFn   func() map[string]collect.State
}

func NewServer(pool *db.Pool, store sink.Sink, logger zerolog.Logger, opts Options) *Server {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		pool:   pool,
		store:  store,
		logger: logger,
		opts:   opts,
	}
}

// WithCollection attaches live collection state so /api/v1/metrics can
// serve it.
func (s *Server) WithCollection(aggregator *metrics.Aggregator, statesFn func() map[string]collect.State) *Server {
	s.aggregator = aggregator
	s.statesFn = statesFn
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.buildEcho()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("api server stopped")
	return nil
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/posts", s.handlePosts)
	api.GET("/posts/:post_uuid", s.handlePostDetail)
	api.GET("/posts/:post_uuid/preview", s.handlePostPreview)

	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		if text, ok := he.Message.(string); ok && strings.TrimSpace(text) != "" {
			message = text
		} else if text := http.StatusText(status); text != "" {
			message = text
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "socflow",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	if s.pool == nil {
		return failNotFound(c, "Stats are not available without a database")
	}
	stats, err := s.pool.GetPipelineStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load stats")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleMetrics(c echo.Context) error {
	if s.aggregator == nil {
		return failNotFound(c, "No collection is running in this process")
	}
	data := map[string]any{
		"metrics": s.aggregator.Snapshot(),
	}
	if s.statesFn != nil {
		data["sources"] = s.statesFn()
	}
	return success(c, data)
}

type postItem struct {
	UUID             string           `json:"uuid"`
	Platform         string           `json:"platform"`
	ObjectID         string           `json:"object_id"`
	AuthorHandle     string           `json:"author_handle"`
	Text             string           `json:"text"`
	CreatedAt        time.Time        `json:"created_at"`
	Tags             []string         `json:"tags"`
	Metrics          map[string]int64 `json:"metrics"`
	SourceURL        string           `json:"source_url,omitempty"`
	Language         string           `json:"language,omitempty"`
	PlatformMetadata map[string]any   `json:"platform_metadata"`
}

func toPostItem(p *post.Post) postItem {
	return postItem{
		UUID:             p.UUID,
		Platform:         string(p.Platform),
		ObjectID:         p.ObjectID,
		AuthorHandle:     p.AuthorHandle,
		Text:             p.Text,
		CreatedAt:        p.CreatedAt,
		Tags:             p.Tags,
		Metrics:          p.Metrics,
		SourceURL:        p.SourceURL,
		Language:         p.Language,
		PlatformMetadata: p.PlatformMetadata,
	}
}

func (s *Server) handlePosts(c echo.Context) error {
	filter, page, pageSize, err := parsePostFilter(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error(), nil)
	}

	ctx := c.Request().Context()
	total, err := s.store.Count(ctx, filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to count posts")
		return internalError(c, "Failed to list posts")
	}

	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize
	items := make([]postItem, 0, pageSize)
	err = s.store.Scan(ctx, filter, func(p *post.Post) error {
		items = append(items, toPostItem(p))
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to scan posts")
		return internalError(c, "Failed to list posts")
	}

	return success(c, map[string]any{
		"posts":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

func parsePostFilter(c echo.Context) (sink.Filter, int, int, error) {
	var filter sink.Filter

	if raw := strings.TrimSpace(c.QueryParam("platform")); raw != "" {
		platform, ok := post.KnownPlatform(raw)
		if !ok {
			return filter, 0, 0, fmt.Errorf("unknown platform %q", raw)
		}
		filter.Platform = platform
	}
	filter.Tag = strings.TrimSpace(c.QueryParam("tag"))

	if raw := strings.TrimSpace(c.QueryParam("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, 0, fmt.Errorf("since must be RFC3339")
		}
		filter.Since = since
	}
	if raw := strings.TrimSpace(c.QueryParam("until")); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, 0, fmt.Errorf("until must be RFC3339")
		}
		filter.Until = until
	}

	page := 1
	if raw := strings.TrimSpace(c.QueryParam("page")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, 0, 0, fmt.Errorf("page must be a positive integer")
		}
		page = parsed
	}

	pageSize := defaultPageSize
	if raw := strings.TrimSpace(c.QueryParam("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, 0, 0, fmt.Errorf("page_size must be a positive integer")
		}
		pageSize = min(parsed, maxPageSize)
	}

	return filter, page, pageSize, nil
}

func (s *Server) handlePostDetail(c echo.Context) error {
	postUUID := strings.TrimSpace(c.Param("post_uuid"))
	p, err := s.store.Get(c.Request().Context(), postUUID)
	if errors.Is(err, sink.ErrNotFound) {
		return failNotFound(c, "Post not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("post_uuid", postUUID).Msg("failed to load post")
		return internalError(c, "Failed to load post")
	}
	return success(c, map[string]any{"post": toPostItem(p)})
}

func (s *Server) handlePostPreview(c echo.Context) error {
	postUUID := strings.TrimSpace(c.Param("post_uuid"))
	p, err := s.store.Get(c.Request().Context(), postUUID)
	if errors.Is(err, sink.ErrNotFound) {
		return failNotFound(c, "Post not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("post_uuid", postUUID).Msg("failed to load post")
		return internalError(c, "Failed to load post")
	}
	if strings.TrimSpace(p.SourceURL) == "" {
		return fail(c, http.StatusUnprocessableEntity, "Post has no source URL", nil)
	}

	text, err := reader.FetchText(c.Request().Context(), p.SourceURL, p.Text)
	if err != nil {
		s.logger.Warn().Err(err).Str("post_uuid", postUUID).Msg("preview fetch failed")
		return fail(c, http.StatusBadGateway, "Failed to fetch preview", nil)
	}

	preview, truncated := reader.TruncateText(text, reader.DefaultPreviewChars)
	return success(c, map[string]any{
		"post_uuid":  p.UUID,
		"source_url": p.SourceURL,
		"preview":    preview,
		"truncated":  truncated,
	})
}
