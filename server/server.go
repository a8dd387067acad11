// Package server exposes the tracked data and the pipeline over HTTP.
package server

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
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brettboylen/bluesky-tracker/db"
	"github.com/brettboylen/bluesky-tracker/models"
	"github.com/brettboylen/bluesky-tracker/pipeline"
	"github.com/brettboylen/bluesky-tracker/scheduler"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Runner is the part of the pipeline the API triggers and reports on
type Runner interface {
	Status() pipeline.Status
	StartAccount(ctx context.Context, handle string) error
}

// JobLister reports the scheduled jobs
type JobLister interface {
	ListJobs() []scheduler.JobInfo
}

// Config holds the server settings
type Config struct {
	Port                 int
	MaxRequestsPerMinute int
	Tool                 string
}

// Server is the read API
type Server struct {
	echo     *echo.Echo
	database *db.Database
	runner   Runner
	jobs     JobLister
	cfg      Config
	log      *logrus.Logger
	// detached runs started by POST /run
	baseCtx context.Context
}

// StatusResponse is returned by /api/status
type StatusResponse struct {
	Pipeline pipeline.Status     `json:"pipeline"`
	Jobs     []scheduler.JobInfo `json:"jobs"`
}

// PostResponse is a post with its rollups
type PostResponse struct {
	models.Post
	Statistics *models.Statistics `json:"statistics,omitempty"`
	Sentiment  *float64           `json:"sentiment,omitempty"`
}

// PostDetailResponse adds the direct replies
type PostDetailResponse struct {
	PostResponse
	Replies []models.Post `json:"replies"`
}

// New creates the server and registers its routes. jobs may be nil.
func New(ctx context.Context, database *db.Database, runner Runner, jobs JobLister, cfg Config, log *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		database: database,
		runner:   runner,
		jobs:     jobs,
		cfg:      cfg,
		log:      log,
		baseCtx:  ctx,
	}

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if cfg.MaxRequestsPerMinute > 0 {
		e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig(cfg.MaxRequestsPerMinute)))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	api := e.Group("/api")
	api.GET("/status", s.getStatus)
	api.GET("/accounts", s.listAccounts)
	api.GET("/accounts/:handle", s.getAccount)
	api.GET("/accounts/:handle/days", s.getAccountDays)
	api.GET("/accounts/:handle/posts", s.getAccountPosts)
	api.POST("/accounts/:handle/run", s.runAccount)
	api.GET("/posts", s.getPost)

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		serverAddr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.WithField("port", s.cfg.Port).Info("Starting API server")
		if err := s.echo.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func rateLimiterConfig(maxRequestsPerMinute int) middleware.RateLimiterConfig {
	requestsPerSecond := float64(maxRequestsPerMinute) / 60.0

	deny := func(ctx echo.Context) error {
		return ctx.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded, please try again later",
		})
	}

	return middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(requestsPerSecond),
				Burst:     5,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return deny(ctx)
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return deny(ctx)
		},
	}
}

func errorJSON(c echo.Context, status int, format string, args ...interface{}) error {
	return c.JSON(status, map[string]string{
		"error": fmt.Sprintf(format, args...),
	})
}

func (s *Server) session(c echo.Context) *db.Session {
	return s.database.NewSession(c.Request().Context())
}

// account loads the account named by the :handle param; it writes the 404 itself
func (s *Server) account(c echo.Context, session *db.Session) (*models.Account, error) {
	handle := strings.ToLower(strings.TrimPrefix(c.Param("handle"), "@"))
	account, err := session.AccountByHandle(handle)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("No account tracked with handle %s", handle))
	}
	return account, nil
}

func (s *Server) getStatus(c echo.Context) error {
	resp := StatusResponse{
		Pipeline: s.runner.Status(),
		Jobs:     []scheduler.JobInfo{},
	}
	if s.jobs != nil {
		resp.Jobs = s.jobs.ListJobs()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listAccounts(c echo.Context) error {
	accounts, err := s.session(c).Accounts()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, accounts)
}

func (s *Server) getAccount(c echo.Context) error {
	account, err := s.account(c, s.session(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, account)
}

func (s *Server) getAccountDays(c echo.Context) error {
	session := s.session(c)
	account, err := s.account(c, session)
	if err != nil {
		return err
	}

	days, err := session.DayStatisticsFor(account.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, days)
}

func (s *Server) getAccountPosts(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		return err
	}
	if limit < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}

	session := s.session(c)
	account, err := s.account(c, session)
	if err != nil {
		return err
	}

	posts, err := session.AccountRootPage(account.ID, limit, offset)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}
	statistics, err := session.StatisticsForPosts(ids)
	if err != nil {
		return err
	}
	scores, err := session.SentimentScores(ids, s.cfg.Tool)
	if err != nil {
		return err
	}

	resp := make([]PostResponse, 0, len(posts))
	for _, post := range posts {
		item := PostResponse{Post: post}
		if st, ok := statistics[post.ID]; ok {
			item.Statistics = &st
		}
		if score, ok := scores[post.ID]; ok {
			item.Sentiment = &score
		}
		resp = append(resp, item)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getPost(c echo.Context) error {
	uri := c.QueryParam("uri")
	if uri == "" {
		return errorJSON(c, http.StatusBadRequest, "uri query parameter is required")
	}

	session := s.session(c)
	post, err := session.PostByURI(uri)
	if err != nil {
		return err
	}
	if post == nil {
		return errorJSON(c, http.StatusNotFound, "No post stored with uri %s", uri)
	}

	resp := PostDetailResponse{PostResponse: PostResponse{Post: *post}}
	if resp.Statistics, err = session.StatisticsFor(post.ID); err != nil {
		return err
	}
	sentiment, err := session.SentimentFor(post.ID, s.cfg.Tool)
	if err != nil {
		return err
	}
	if sentiment != nil {
		resp.Sentiment = &sentiment.Score
	}
	if resp.Replies, err = session.Replies(post.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// runAccount starts a run for one account in the background
func (s *Server) runAccount(c echo.Context) error {
	account, err := s.account(c, s.session(c))
	if err != nil {
		return err
	}
	handle := account.Handle
	// the runner is claimed before this returns; the work continues on the server context
	if err := s.runner.StartAccount(s.baseCtx, handle); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			return errorJSON(c, http.StatusConflict, "A pipeline run is already in progress")
		case errors.Is(err, pipeline.ErrUnknownAccount):
			return errorJSON(c, http.StatusNotFound, "No account tracked with handle %s", handle)
		}
		return err
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"status":  "started",
		"account": handle,
	})
}

func queryInt(c echo.Context, name string, defaultValue int) (int, error) {
	value := c.QueryParam(name)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return parsed, nil
}
