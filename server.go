package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/costing_backend/config"
	"bitbucket.org/mmdatafocus/costing_backend/models"
	"bitbucket.org/mmdatafocus/costing_backend/utils"
	"bitbucket.org/mmdatafocus/costing_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("costing-engine")

// The engine is built lazily on first use: the router is wired before the DB
// connects, and the readiness gate keeps app endpoints from running until
// config.GetDB() is non-nil.
var (
	engineOnce sync.Once
	engine     *workflow.Engine
)

func getEngine() *workflow.Engine {
	engineOnce.Do(func() {
		engine = workflow.NewEngine(config.GetDB(), config.GetLogger())
	})
	return engine
}

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// businessContextMiddleware resolves the tenant from the x-business-id header
// and attaches it to the request context. Every engine endpoint is
// business-scoped; a request without a tenant is rejected up front.
func businessContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.GetHeader("x-business-id"))
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-business-id header is required"})
			return
		}
		c.Request = c.Request.WithContext(utils.SetBusinessIdInContext(c.Request.Context(), businessId))
		c.Next()
	}
}

func recordPurchaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := getEngine()
		var input models.NewMaterialPurchase
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		purchase, err := engine.Purchases.RecordPurchase(c.Request.Context(), &input)
		if err != nil {
			var vErr *utils.ValidationError
			switch {
			case errors.As(err, &vErr):
				c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "material not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusCreated, gin.H{
			"purchase":       purchase,
			"correlation_id": cid,
		})
	}
}

type recalcBatchRequest struct {
	Limit int `json:"limit"`
}

// recalcBatchHandler drains one batch from the recalculation queue. The redis
// lock is a best-effort optimization against overlapping cron fires; safety
// comes from the per-entry claim in the queue, not from redis.
func recalcBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := getEngine()
		logger := config.GetLogger()
		ctx, span := tracer.Start(c.Request.Context(), "recalcBatch")
		defer span.End()

		var req recalcBatchRequest
		_ = c.ShouldBindJSON(&req)

		var lock *redislock.Lock
		if redisLock := config.GetRedisLock(); redisLock != nil {
			var err error
			lock, err = redisLock.Obtain(ctx, "lock:recalc-batch", 60*time.Second, nil)
			if err == redislock.ErrNotObtained {
				c.JSON(http.StatusOK, gin.H{"skipped": true, "reason": "another batch is running"})
				return
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field": "recalcBatchHandler",
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(ctx); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field": "recalcBatchHandler",
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		result, err := engine.Processor.ProcessBatch(ctx, req.Limit)
		if err != nil {
			config.LogError(logger, "server.go", "recalcBatchHandler", "ProcessBatch", req, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type archiveSnapshotsRequest struct {
	RetentionDays int `json:"retention_days"`
}

func archiveSnapshotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := getEngine()
		var req archiveSnapshotsRequest
		_ = c.ShouldBindJSON(&req)

		result, err := engine.Archiver.ArchiveSnapshots(c.Request.Context(), req.RetentionDays)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func recalculateNowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := getEngine()
		productId, err := strconv.Atoi(c.Param("id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}

		snapshot, breakdown, err := engine.Processor.RecalculateProductNow(c.Request.Context(), productId)
		if err != nil {
			respondCostError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"snapshot":  snapshot,
			"breakdown": breakdown,
		})
	}
}

// costPreviewHandler computes a product's cost without persisting a snapshot
// or evaluating alerts.
func costPreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, err := strconv.Atoi(c.Param("id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}

		_, breakdown, err := workflow.CalculateProductCost(c.Request.Context(), productId)
		if err != nil {
			respondCostError(c, err)
			return
		}
		c.JSON(http.StatusOK, breakdown)
	}
}

func respondCostError(c *gin.Context, err error) {
	var compErr *utils.ComputationError
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
	case errors.As(err, &compErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": compErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queueStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := getEngine().Queue.GetQueueStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func listAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := getEngine()
		filter := workflow.ListAlertsFilter{
			UnreadOnly: strings.EqualFold(c.Query("unread_only"), "true"),
		}
		if v := c.Query("product_id"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product_id"})
				return
			}
			filter.ProductId = &id
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		if v := c.Query("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				filter.Offset = n
			}
		}

		list, err := engine.Alerts.ListAlerts(c.Request.Context(), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func alertFlagHandler(apply func(ctx context.Context, alertId int) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		alertId, err := strconv.Atoi(c.Param("id"))
		if err != nil || alertId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}
		if err := apply(c.Request.Context(), alertId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func markAllAlertsReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := getEngine().Alerts.MarkAllRead(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-business-id", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/", businessContextMiddleware())
	api.POST("/purchases", recordPurchaseHandler())
	api.POST("/products/:id/recalculate", recalculateNowHandler())
	api.GET("/products/:id/cost-preview", costPreviewHandler())
	api.GET("/queue/status", queueStatusHandler())
	api.GET("/alerts", listAlertsHandler())
	api.POST("/alerts/read-all", markAllAlertsReadHandler())
	api.POST("/alerts/:id/read", alertFlagHandler(func(ctx context.Context, alertId int) error {
		return getEngine().Alerts.MarkRead(ctx, alertId)
	}))
	api.POST("/alerts/:id/dismiss", alertFlagHandler(func(ctx context.Context, alertId int) error {
		return getEngine().Alerts.Dismiss(ctx, alertId)
	}))
	// Ops endpoints: invoked by the scheduler, not tenant-scoped at the router
	// level (the queue entries carry their own business ids).
	r.POST("/internal/recalc-batch", recalcBatchHandler())
	r.POST("/internal/archive-snapshots", archiveSnapshotsHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the in-process queue drainer when no external scheduler calls
	// /internal/recalc-batch.
	processorCtx, cancelProcessor := context.WithCancel(context.Background())
	defer cancelProcessor()
	go NewRecalcDirectProcessor(db, logger, getEngine()).Run(processorCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("costing engine listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelProcessor()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
