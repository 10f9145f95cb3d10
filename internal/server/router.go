// Package server exposes the watcher's state over HTTP: the supervisor
// and detector status, recent finalized events, and Prometheus metrics.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/rdswatch/internal/event"
	"github.com/loykin/rdswatch/internal/metrics"
	"github.com/loykin/rdswatch/internal/pipeline"
	"github.com/loykin/rdswatch/internal/rds"
	"github.com/loykin/rdswatch/internal/recorder"
	"github.com/loykin/rdswatch/internal/sink"
)

// StatusProvider aggregates the snapshots the status endpoint reports.
type StatusProvider interface {
	PipelineStatus() pipeline.Status
	DetectorStats() event.Stats
	ParserStats() rds.Stats
	RecorderStats() recorder.Stats
	RecentEvents(n int) []sink.Record
}

// Router provides embeddable HTTP handlers.
// Endpoints:
//
//	GET /status   aggregated pipeline/detector/recorder snapshot
//	GET /events   recent finalized events, ?limit=N
//	GET /metrics  Prometheus exposition
type Router struct {
	provider StatusProvider
}

func NewRouter(provider StatusProvider) *Router {
	return &Router{provider: provider}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/status", r.handleStatus)
	g.GET("/events", r.handleEvents)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

type statusResp struct {
	Pipeline pipeline.Status `json:"pipeline"`
	Detector event.Stats     `json:"detector"`
	Parser   rds.Stats       `json:"parser"`
	Recorder recorder.Stats  `json:"recorder"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResp{
		Pipeline: r.provider.PipelineStatus(),
		Detector: r.provider.DetectorStats(),
		Parser:   r.provider.ParserStats(),
		Recorder: r.provider.RecorderStats(),
	})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + s})
			return
		}
		limit = n
	}
	events := r.provider.RecentEvents(limit)
	if events == nil {
		events = []sink.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, provider StatusProvider) *http.Server {
	r := NewRouter(provider)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
