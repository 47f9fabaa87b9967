package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"greadersync/internal/cache"
	"greadersync/internal/config"
	"greadersync/internal/feedpreview"
	"greadersync/internal/models"
	"greadersync/internal/poller"
	"greadersync/internal/security"
	"greadersync/internal/storage"
	"greadersync/internal/syncer"
	"greadersync/internal/tags"

	"github.com/gin-gonic/gin"
)

// Server exposes the sync state and the local replica to API consumers. It
// is a pure observer of the pipeline: reads go to the store (through the
// cache), mutations only queue pending tag edits.
type Server struct {
	router       *gin.Engine
	store        storage.Storage
	orchestrator *syncer.Orchestrator
	reconciler   *tags.Reconciler
	poller       *poller.Poller
	cacheManager *cache.Manager
	previewer    *feedpreview.Previewer
	cacheTTL     time.Duration
	port         int
}

func NewServer(store storage.Storage, orchestrator *syncer.Orchestrator, reconciler *tags.Reconciler, syncPoller *poller.Poller, cacheManager *cache.Manager, cfg *config.Config) *Server {
	router := gin.Default()

	securityConfig := &security.SecurityConfig{
		EnableRateLimit:       cfg.Security.EnableRateLimit,
		RateLimitPerSecond:    cfg.Security.RateLimitPerSecond,
		RateLimitBurst:        cfg.Security.RateLimitBurst,
		EnableCORS:            cfg.Security.EnableCORS,
		AllowedOrigins:        cfg.Security.AllowedOrigins,
		EnableSecurityHeaders: cfg.Security.EnableSecurityHeaders,
		MaxRequestSize:        cfg.Security.MaxRequestSize,
		EnableRequestID:       cfg.Security.EnableRequestID,
	}
	security.SetupSecurityMiddleware(router, securityConfig)

	server := &Server{
		router:       router,
		store:        store,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		poller:       syncPoller,
		cacheManager: cacheManager,
		previewer:    feedpreview.New(),
		cacheTTL:     cfg.CacheTTL,
		port:         cfg.Port,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	// API routes
	api := s.router.Group("/api/v1")
	{
		api.GET("/sync/status", s.getSyncStatus)
		api.POST("/sync/refresh", s.refreshSync)

		api.GET("/folders", s.getFolders)
		api.GET("/subscriptions", s.getSubscriptions)
		api.GET("/items", s.getItems)

		api.POST("/items/read", s.setItemRead)
		api.POST("/items/star", s.setItemStarred)
		api.POST("/streams/mark-all-read", s.markAllRead)

		api.POST("/subscriptions/preview", s.previewFeed)
	}
}

func (s *Server) Start() error {
	return s.router.Run(":" + strconv.Itoa(s.port))
}

// StartWithContext serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) StartWithContext(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(s.port),
		Handler: s.router,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"service":     "greadersync",
		"sync_active": s.poller.IsRunning(),
	})
}

func (s *Server) getSyncStatus(c *gin.Context) {
	status := gin.H{
		"state":       s.orchestrator.State().String(),
		"last_synced": s.poller.LastSyncedTime(),
	}
	if date := s.orchestrator.LastUpdateDate(); date != nil {
		status["last_update_date"] = date
	}
	if err := s.orchestrator.LastUpdateError(); err != nil {
		status["last_update_error"] = err.Error()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) refreshSync(c *gin.Context) {
	go func() {
		if err := s.poller.ForceSync(); err != nil && !errors.Is(err, syncer.ErrUpdateInProgress) {
			log.Printf("Manual sync failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Sync initiated",
	})
}

func (s *Server) getFolders(c *gin.Context) {
	if cached, found := s.cacheManager.Get(cache.FoldersKey()); found {
		c.JSON(http.StatusOK, cached)
		return
	}

	folders, err := s.store.ListFolders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	response := gin.H{
		"folders": folders,
		"count":   len(folders),
	}
	s.cacheManager.Set(cache.FoldersKey(), response, s.cacheTTL)
	c.JSON(http.StatusOK, response)
}

func (s *Server) getSubscriptions(c *gin.Context) {
	if cached, found := s.cacheManager.Get(cache.SubscriptionsKey()); found {
		c.JSON(http.StatusOK, cached)
		return
	}

	subs, err := s.store.ListSubscriptions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	response := gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	}
	s.cacheManager.Set(cache.SubscriptionsKey(), response, s.cacheTTL)
	c.JSON(http.StatusOK, response)
}

func (s *Server) getItems(c *gin.Context) {
	streamID := c.Query("stream")
	if streamID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing stream parameter"})
		return
	}

	query := &models.ItemsQuery{
		Filter:     c.Query("$filter"),
		OrderBy:    c.Query("$orderby"),
		Language:   c.Query("lang"),
		UnreadOnly: c.Query("unread") == "true",
	}
	if searchStr := c.Query("$search"); searchStr != "" {
		terms := strings.Split(searchStr, ",")
		for i, term := range terms {
			terms[i] = strings.TrimSpace(term)
		}
		query.Search = terms
	}
	if topStr := c.Query("$top"); topStr != "" {
		if top, err := strconv.Atoi(topStr); err == nil {
			query.Top = top
		}
	}
	if skipStr := c.Query("$skip"); skipStr != "" {
		if skip, err := strconv.Atoi(skipStr); err == nil {
			query.Skip = skip
		}
	}

	key := cache.ItemsKey(streamID, query.UnreadOnly, query.Language, query.Filter, query.OrderBy, query.Top, query.Skip)
	if len(query.Search) == 0 {
		if cached, found := s.cacheManager.Get(key); found {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	items, err := s.store.QueryItems(streamID, query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	response := gin.H{
		"stream": streamID,
		"items":  items,
		"count":  len(items),
	}
	if len(query.Search) == 0 {
		s.cacheManager.Set(key, response, s.cacheTTL)
	}
	c.JSON(http.StatusOK, response)
}

type itemReadRequest struct {
	ID   string `json:"id" binding:"required"`
	Read bool   `json:"read"`
}

func (s *Server) setItemRead(c *gin.Context) {
	var req itemReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.reconciler.SetItemRead(req.ID, req.Read); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.cacheManager.Flush()
	c.JSON(http.StatusOK, gin.H{"id": req.ID, "read": req.Read})
}

type itemStarRequest struct {
	ID      string `json:"id" binding:"required"`
	Starred bool   `json:"starred"`
}

func (s *Server) setItemStarred(c *gin.Context) {
	var req itemStarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.reconciler.SetItemStarred(req.ID, req.Starred); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.cacheManager.Flush()
	c.JSON(http.StatusOK, gin.H{"id": req.ID, "starred": req.Starred})
}

type markAllReadRequest struct {
	Stream string `json:"stream" binding:"required"`
}

func (s *Server) markAllRead(c *gin.Context) {
	var req markAllReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var container *models.Container
	if models.KindForStreamID(req.Stream) == models.KindSubscription {
		sub, err := s.store.GetSubscription(req.Stream)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sub != nil {
			container = &sub.Container
		}
	} else {
		folder, err := s.store.GetFolder(req.Stream)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if folder != nil {
			container = &folder.Container
		}
	}
	if container == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown stream: " + req.Stream})
		return
	}

	if err := s.reconciler.MarkAllAsRead(c.Request.Context(), *container); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.cacheManager.Flush()
	c.JSON(http.StatusOK, gin.H{"stream": req.Stream})
}

type previewRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) previewFeed(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	preview, err := s.previewer.Fetch(c.Request.Context(), req.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, preview)
}
