package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fleetalert/api/middleware"
	"fleetalert/internal/alert"
	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/database"
	"fleetalert/internal/delivery"
	"fleetalert/internal/elasticsearch"
	"fleetalert/internal/escalation"
	"fleetalert/internal/evaluator"
	"fleetalert/internal/logger"
	"fleetalert/internal/maintenance"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"
	"fleetalert/internal/ratelimit"
	"fleetalert/internal/router"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActionChannelTest is the rate limited action name of channel test-sends.
const ActionChannelTest = "channel.test"

// Deps are the services behind the HTTP API.
type Deps struct {
	DB          *gorm.DB
	Rules       *evaluator.Rules
	Alerts      *alert.Service
	Channels    *router.Store
	Maintenance *maintenance.Filter
	Policies    *escalation.Policies
	Queue       *delivery.Queue
	Sender      notify.Sender
	Limiter     ratelimit.Limiter
	ES          *elasticsearch.Client
	AlertLog    *logger.FileAlertLog
	Clock       clock.Clock
}

type Server struct {
	router      *gin.Engine
	deps        Deps
	rateLimiter *middleware.KeyRateLimiter
	configPath  string
	config      *config.Config
}

func NewServer(deps Deps, configPath string, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	// Add timeout middleware
	engine.Use(func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	server := &Server{
		router: engine,
		deps:   deps,
		rateLimiter: middleware.NewKeyRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.APIRate,
			BurstSize:         cfg.RateLimit.APIBurst,
			CleanupInterval:   5 * time.Minute,
		}),
		configPath: configPath,
		config:     cfg,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(s.rateLimiter.Middleware(), middleware.Tenant())

	{
		// Alert rules
		api.POST("/rule/add", s.addRule)
		api.POST("/rule/list", s.listRules)
		api.POST("/rule/get", s.getRule)
		api.POST("/rule/enable", s.enableRule)
		api.POST("/rule/disable", s.disableRule)

		// Alerts
		api.POST("/alert/list", s.listAlerts)
		api.POST("/alert/get", s.getAlert)
		api.POST("/alert/ack", s.acknowledgeAlert)
		api.POST("/alert/resolve", s.resolveAlert)
		api.POST("/alert/silence", s.silenceAlert)
		api.POST("/alert/deliveries", s.alertDeliveries)
		api.POST("/alert/logs", s.searchAlertLogs)

		// Channels and routing
		api.POST("/channel/add", s.addChannel)
		api.POST("/channel/list", s.listChannels)
		api.POST("/channel/enable", s.enableChannel)
		api.POST("/channel/disable", s.disableChannel)
		api.POST("/channel/test", s.testChannel)
		api.POST("/routing/add", s.addRoutingRule)
		api.POST("/routing/list", s.listRoutingRules)

		// Maintenance and escalation
		api.POST("/maintenance/add", s.addMaintenanceWindow)
		api.POST("/maintenance/list", s.listMaintenanceWindows)
		api.POST("/escalation/add", s.addEscalationPolicy)
		api.POST("/escalation/list", s.listEscalationPolicies)

		// Dead letters
		api.POST("/deadletter/list", s.listDeadLetters)
		api.POST("/deadletter/replay", s.replayDeadLetter)
		api.POST("/deadletter/discard", s.discardDeadLetter)
	}

	admin := s.router.Group("/api/v1/config")
	admin.Use(s.rateLimiter.Middleware())
	admin.GET("", s.getConfig)
	admin.POST("", s.updateConfig)

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// writeError maps service errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidRule),
		errors.Is(err, evaluator.ErrUnknownTenant),
		errors.Is(err, router.ErrInvalidConfig),
		errors.Is(err, maintenance.ErrInvalidWindow),
		errors.Is(err, escalation.ErrInvalidPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, evaluator.ErrRuleNotFound),
		errors.Is(err, alert.ErrNotFound),
		errors.Is(err, router.ErrNotFound),
		errors.Is(err, delivery.ErrNotFound),
		errors.Is(err, escalation.ErrPolicyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, alert.ErrAlertNotLive),
		errors.Is(err, delivery.ErrNotReplayable):
		status = http.StatusConflict
	case errors.Is(err, ratelimit.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bindID(c *gin.Context) (uint, bool) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return req.ID, true
}

func (s *Server) healthCheck(c *gin.Context) {
	if err := database.Ping(s.deps.DB); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Rules

func (s *Server) addRule(c *gin.Context) {
	var req AddRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := ConvertRuleRequest(middleware.TenantID(c), req)
	if err := s.deps.Rules.Create(c.Request.Context(), rule); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.deps.Rules.List(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) getRule(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	rule, err := s.deps.Rules.Get(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) enableRule(c *gin.Context)  { s.setRuleEnabled(c, true) }
func (s *Server) disableRule(c *gin.Context) { s.setRuleEnabled(c, false) }

func (s *Server) setRuleEnabled(c *gin.Context, enabled bool) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	rule, err := s.deps.Rules.SetEnabled(c.Request.Context(), middleware.TenantID(c), id, enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Alerts

type ListAlertsRequest struct {
	Status models.AlertStatus `json:"status"`
	Limit  int                `json:"limit"`
}

func (s *Server) listAlerts(c *gin.Context) {
	var req ListAlertsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alerts, err := s.deps.Alerts.List(c.Request.Context(), middleware.TenantID(c), req.Status, req.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) getAlert(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	a, err := s.deps.Alerts.Get(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// AlertActionRequest identifies the alert and the operator acting on it.
type AlertActionRequest struct {
	ID    uint   `json:"id" binding:"required"`
	Actor string `json:"actor" binding:"required"`
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	var req AlertActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.deps.Alerts.Acknowledge(c.Request.Context(), middleware.TenantID(c), req.ID, req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) resolveAlert(c *gin.Context) {
	var req AlertActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.deps.Alerts.Resolve(c.Request.Context(), middleware.TenantID(c), req.ID, req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type SilenceRequest struct {
	ID    uint      `json:"id" binding:"required"`
	Actor string    `json:"actor" binding:"required"`
	Until time.Time `json:"until" binding:"required"`
}

func (s *Server) silenceAlert(c *gin.Context) {
	var req SilenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Until.After(s.deps.Clock.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "until must be in the future"})
		return
	}
	a, err := s.deps.Alerts.Silence(c.Request.Context(), middleware.TenantID(c), req.ID, req.Until, req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type jobWithAttempts struct {
	models.DeliveryJob
	AttemptLog []models.DeliveryAttempt `json:"attempt_log"`
}

func (s *Server) alertDeliveries(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	jobs, err := s.deps.Queue.Jobs(ctx, middleware.TenantID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]jobWithAttempts, 0, len(jobs))
	for _, job := range jobs {
		attempts, err := s.deps.Queue.Attempts(ctx, job.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, jobWithAttempts{DeliveryJob: job, AttemptLog: attempts})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

type AlertLogSearchRequest struct {
	AlertID   *uint  `json:"alert_id"`
	StartTime *int64 `json:"start_time"` // unix seconds
	EndTime   *int64 `json:"end_time"`
	Size      int    `json:"size"`
	From      int    `json:"from"`
}

// searchAlertLogs reads the audit trail from Elasticsearch when enabled and
// from the daily files otherwise.
func (s *Server) searchAlertLogs(c *gin.Context) {
	var req AlertLogSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	query := &logger.AlertLogQuery{
		TenantID: middleware.TenantID(c),
		AlertID:  req.AlertID,
		Limit:    req.Size,
		Offset:   req.From,
	}
	if req.StartTime != nil {
		t := time.Unix(*req.StartTime, 0).UTC()
		query.StartTime = &t
	}
	if req.EndTime != nil {
		t := time.Unix(*req.EndTime, 0).UTC()
		query.EndTime = &t
	}

	var (
		result *logger.AlertLogResult
		err    error
	)
	switch {
	case s.deps.ES != nil:
		result, err = s.deps.ES.SearchAlertLogs(c.Request.Context(), query)
	case s.deps.AlertLog != nil:
		result, err = s.deps.AlertLog.QueryAlertLogs(query)
	default:
		result = &logger.AlertLogResult{Logs: []*logger.AlertLogEntry{}}
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Channels

func (s *Server) addChannel(c *gin.Context) {
	var req AddChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch := ConvertChannelRequest(middleware.TenantID(c), req)
	if err := s.deps.Channels.CreateChannel(c.Request.Context(), ch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) listChannels(c *gin.Context) {
	channels, err := s.deps.Channels.ListChannels(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (s *Server) enableChannel(c *gin.Context)  { s.setChannelEnabled(c, true) }
func (s *Server) disableChannel(c *gin.Context) { s.setChannelEnabled(c, false) }

func (s *Server) setChannelEnabled(c *gin.Context, enabled bool) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	if err := s.deps.Channels.SetChannelEnabled(c.Request.Context(), middleware.TenantID(c), id, enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
}

// testChannel sends a synthetic message straight through the sender,
// bypassing the queue.
func (s *Server) testChannel(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	tenant := middleware.TenantID(c)

	allowed, err := s.deps.Limiter.Allow(ctx, tenant, ActionChannelTest)
	if err != nil {
		writeError(c, err)
		return
	}
	if !allowed {
		writeError(c, ratelimit.ErrRateLimited)
		return
	}

	ch, err := s.deps.Channels.Channel(ctx, tenant, id)
	if err != nil {
		writeError(c, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.Delivery.SendTimeout())
	defer cancel()
	res, err := s.deps.Sender.Send(sendCtx, ch, notify.TestMessage(tenant, s.deps.Clock.Now()))
	if err != nil {
		logger.Warn("channel test failed", zap.Uint("channel_id", ch.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":       err.Error(),
			"status_code": res.StatusCode,
			"permanent":   notify.IsPermanent(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "Test notification sent successfully",
		"status_code": res.StatusCode,
		"latency_ms":  res.Latency.Milliseconds(),
	})
}

func (s *Server) addRoutingRule(c *gin.Context) {
	var req AddRoutingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule := ConvertRoutingRuleRequest(middleware.TenantID(c), req)
	if err := s.deps.Channels.CreateRoutingRule(c.Request.Context(), rule); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) listRoutingRules(c *gin.Context) {
	rules, err := s.deps.Channels.ListRoutingRules(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"routing_rules": rules})
}

// Maintenance and escalation

func (s *Server) addMaintenanceWindow(c *gin.Context) {
	var req AddMaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := ConvertMaintenanceRequest(middleware.TenantID(c), req)
	if err := s.deps.Maintenance.Create(c.Request.Context(), w); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) listMaintenanceWindows(c *gin.Context) {
	windows, err := s.deps.Maintenance.List(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"windows": windows})
}

func (s *Server) addEscalationPolicy(c *gin.Context) {
	var req AddEscalationPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := ConvertEscalationPolicyRequest(middleware.TenantID(c), req)
	if err := s.deps.Policies.Create(c.Request.Context(), p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listEscalationPolicies(c *gin.Context) {
	policies, err := s.deps.Policies.List(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

// Dead letters

type ListDeadLettersRequest struct {
	Status models.DeadLetterStatus `json:"status"`
	Limit  int                     `json:"limit"`
}

func (s *Server) listDeadLetters(c *gin.Context) {
	var req ListDeadLettersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	letters, err := s.deps.Queue.DeadLetters(c.Request.Context(), middleware.TenantID(c), req.Status, req.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}

func (s *Server) replayDeadLetter(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	job, err := s.deps.Queue.Replay(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) discardDeadLetter(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	if err := s.deps.Queue.Discard(c.Request.Context(), middleware.TenantID(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Dead letter discarded"})
}
