package server

import (
	"fmt"
	"net/http"

	"fleetalert/internal/config"
	"fleetalert/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type GetConfigResponse struct {
	Config *config.Config `json:"config"`
}

type UpdateConfigRequest struct {
	Config *config.Config `json:"config" binding:"required"`
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, GetConfigResponse{
		Config: s.config,
	})
}

// updateConfig validates and persists a new configuration. Secrets are never
// serialized, so the running values are carried over. Changes apply on restart.
func (s *Server) updateConfig(c *gin.Context) {
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	next := req.Config
	next.Database.Password = s.config.Database.Password
	next.Elasticsearch.Password = s.config.Elasticsearch.Password
	next.Redis.Password = s.config.Redis.Password

	if err := next.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.configPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "service was started without a config file"})
		return
	}
	if err := config.SaveToFile(s.configPath, next); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to save config: %v", err)})
		return
	}

	logger.Info("configuration saved", zap.String("path", s.configPath))
	s.config = next

	c.JSON(http.StatusOK, gin.H{
		"message": "Configuration updated successfully. Please restart the service for changes to take effect.",
		"config":  s.config,
	})
}
