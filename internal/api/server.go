// Package api exposes simulation runs over HTTP: run lifecycle, current
// recommendations, override ingestion, fusion trust weights and a
// websocket snapshot stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/signalsfoundry/railtwin/internal/feedback"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/sim"
	"github.com/signalsfoundry/railtwin/model"
)

// Server holds the HTTP handlers.
type Server struct {
	mgr          *sim.Manager
	feedback     *feedback.Loop
	metrics      http.Handler
	log          logging.Logger
	writeTimeout time.Duration
	serviceName  string
}

// Option customises a Server.
type Option func(*Server)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithFeedback enables the override listing endpoint.
func WithFeedback(f *feedback.Loop) Option {
	return func(s *Server) { s.feedback = f }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithWriteTimeout bounds each websocket frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithServiceName names the server in traces.
func WithServiceName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.serviceName = name
		}
	}
}

// NewServer constructs the API over mgr.
func NewServer(mgr *sim.Manager, opts ...Option) *Server {
	s := &Server{mgr: mgr, log: logging.Noop(), writeTimeout: 2 * time.Second, serviceName: "railtwin"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(s.serviceName), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/runs", s.listRuns)
	v1.POST("/runs", s.createRun)
	v1.GET("/runs/:id", s.getRun)
	v1.POST("/runs/:id/start", s.lifecycle((*sim.Manager).Start))
	v1.POST("/runs/:id/pause", s.lifecycle((*sim.Manager).Pause))
	v1.POST("/runs/:id/stop", s.lifecycle((*sim.Manager).Stop))
	v1.GET("/runs/:id/snapshot", s.getSnapshot)
	v1.GET("/runs/:id/recommendations", s.getRecommendations)
	v1.GET("/runs/:id/recommendations/:conflict", s.getRecommendation)
	v1.POST("/runs/:id/overrides", s.submitOverride)
	v1.GET("/runs/:id/overrides", s.listOverrides)
	v1.GET("/runs/:id/stream", s.stream)
	v1.GET("/fusion/weights", s.getWeights)
	v1.PUT("/fusion/weights", s.putWeights)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug(c.Request.Context(), "http request",
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(c.Request.Context(), "request failed",
			logging.String("path", c.FullPath()),
			logging.Err(err),
		)
	}
	c.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}

func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.List())
}

type createResponse struct {
	sim.RunInfo
	Stations int `json:"stations"`
	Sections int `json:"sections"`
}

// createRun accepts a scenario document. ?start=true starts it at once.
func (s *Server) createRun(c *gin.Context) {
	sc, net, err := model.LoadScenario(c.Request.Body)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	ctx := c.Request.Context()
	run, err := s.mgr.Create(ctx, sim.CreateRequest{Name: sc.Name, Network: net, Trains: sc.Trains})
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("start") == "true" {
		if err := run.Start(ctx); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, createResponse{
		RunInfo:  run.Info(),
		Stations: len(sc.Stations),
		Sections: len(sc.Sections),
	})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run.Info())
}

func (s *Server) getSnapshot(c *gin.Context) {
	run, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run.Snapshot())
}

func (s *Server) lifecycle(op func(*sim.Manager, context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := op(s.mgr, c.Request.Context(), id); err != nil {
			s.fail(c, err)
			return
		}
		run, err := s.mgr.Get(id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, run.Info())
	}
}

func (s *Server) getRecommendations(c *gin.Context) {
	recs, err := s.mgr.Recommendations(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) getRecommendation(c *gin.Context) {
	run, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, ok := run.Recommendation(c.Param("conflict"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "no recommendation for conflict " + c.Param("conflict")})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) submitOverride(c *gin.Context) {
	var req sim.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	rc, err := s.mgr.SubmitOverride(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rc)
}

func (s *Server) listOverrides(c *gin.Context) {
	if s.feedback == nil {
		s.fail(c, sim.ErrNoFeedback)
		return
	}
	id := c.Param("id")
	if _, err := s.mgr.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	recs, err := s.feedback.List(c.Request.Context(), c.Query("conflict_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]feedback.OverrideRecord, 0, len(recs))
	for _, r := range recs {
		if r.RunID == id {
			out = append(out, r)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getWeights(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Trust().Weights())
}

func (s *Server) putWeights(c *gin.Context) {
	var w fusion.TrustWeights
	if err := c.ShouldBindJSON(&w); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	n, err := s.mgr.Trust().SetWeights(w)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info(c.Request.Context(), "fusion weights updated",
		logging.Float("optimizer", n.Optimizer),
		logging.Float("secondary_policy", n.SecondaryPolicy),
		logging.Float("risk_model", n.RiskModel),
	)
	c.JSON(http.StatusOK, n)
}
