// Package httpapi exposes the memory and identity store over HTTP. Routes
// are thin: decode, clamp, call the repository, marshal. Request parsing
// stops here; the store re-validates defensively.
package httpapi

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kotori-bot/kotori/internal/consolidate"
	"github.com/kotori-bot/kotori/internal/profile"
	"github.com/kotori-bot/kotori/internal/store"
)

// Server holds the route dependencies.
type Server struct {
	store    *store.Store
	pipeline *consolidate.Pipeline
	started  time.Time
}

// New builds the gin engine. pipeline may be nil; the consolidation route
// then returns 503.
func New(s *store.Store, pipeline *consolidate.Pipeline) (*Server, *gin.Engine) {
	srv := &Server{store: s, pipeline: pipeline, started: time.Now()}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/memories", srv.insertMemory)
		api.GET("/users/:trip/memories", srv.listMemories)
		api.GET("/users/:trip/profile", srv.getProfile)
		api.PUT("/users/:trip/profile", srv.putProfile)
		api.GET("/users/:trip/digest", srv.getDigest)
		api.POST("/search", srv.search)
		api.POST("/maintenance/cleanup", srv.cleanup)
		api.POST("/maintenance/consolidate", srv.runConsolidation)
		api.GET("/status", srv.status)
	}
	return srv, r
}

type insertMemoryRequest struct {
	RoomID     string    `json:"room_id"`
	TripCode   string    `json:"trip_code"`
	Text       string    `json:"text" binding:"required"`
	Tags       []string  `json:"tags"`
	Importance any       `json:"importance"`
	TTLDays    any       `json:"ttl_days"`
	Embedding  []float64 `json:"embedding"`
}

func (s *Server) insertMemory(c *gin.Context) {
	var req insertMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.store.Insert(store.Memory{
		RoomID:     req.RoomID,
		TripCode:   req.TripCode,
		Text:       req.Text,
		Tags:       req.Tags,
		Importance: store.CoerceImportance(req.Importance, store.DefaultImportance),
		TTLDays:    store.CoerceTTLDays(req.TTLDays),
	}, req.Embedding)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"memory_id": id})
}

func (s *Server) listMemories(c *gin.Context) {
	minImportance := store.CoerceImportance(c.Query("min_importance"), store.MinImportance)
	limit := atoiDefault(c.Query("limit"), 0)
	memories, err := s.store.ListByUser(c.Param("trip"), minImportance, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func (s *Server) getProfile(c *gin.Context) {
	p, err := s.store.GetProfile(c.Param("trip"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no profile"})
		return
	}
	c.JSON(http.StatusOK, p)
}

type putProfileRequest struct {
	Fragment    profile.Fragment `json:"fragment"`
	DisplayName string           `json:"display_name"`
}

// putProfile merges a fragment into the stored profile through the merge
// engine; it is not a blind overwrite.
func (s *Server) putProfile(c *gin.Context) {
	var req putProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trip := c.Param("trip")
	old, err := s.store.GetProfile(trip)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	now := time.Now()
	merged := profile.Merge(old, req.Fragment, req.DisplayName, now)
	if err := s.store.PutProfile(trip, &merged, now); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, merged)
}

func (s *Server) getDigest(c *gin.Context) {
	d, err := s.store.GetDigest(c.Param("trip"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no digest"})
		return
	}
	c.JSON(http.StatusOK, d)
}

type searchRequest struct {
	RoomID    string    `json:"room_id" binding:"required"`
	TripCode  string    `json:"trip_code"`
	Embedding []float64 `json:"embedding" binding:"required"`
	TopK      int       `json:"top_k"`
}

func (s *Server) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := s.store.SearchBySimilarity(req.RoomID, req.TripCode, req.Embedding, req.TopK)
	if errors.Is(err, store.ErrSearchUnsupported) {
		// Capability error, distinct from an empty result set.
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error(), "mode": s.store.Mode()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) cleanup(c *gin.Context) {
	stats, err := s.store.CleanupExpiredAndOrphans()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) runConsolidation(c *gin.Context) {
	if s.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "consolidation not configured"})
		return
	}
	report, err := s.pipeline.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{
		"uptime":         time.Since(s.started).String(),
		"vector_mode":    s.store.Mode(),
		"search_enabled": s.store.SearchEnabled(),
	}
	if stats, err := s.store.Stats(); err == nil {
		out["tables"] = stats
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			out["cpu_percent"] = cpu
		}
		if mem, err := p.MemoryInfo(); err == nil {
			out["rss_bytes"] = mem.RSS
		}
	}
	c.JSON(http.StatusOK, out)
}
