package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDKey = "request_id"

// requestIDMiddleware tags each request with an id, reusing the caller's X-Request-Id
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// loggerMiddleware logs HTTP requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		// 管理与健康检查接口降到 debug
		if strings.HasPrefix(path, "/admin") || path == "/health" || path == "/ping" {
			s.logger.Debug("HTTP Request", fields...)
			return
		}
		s.logger.Info("HTTP Request", fields...)
	}
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range s.cfg.Security.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			}
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, X-Api-Key, X-Admin-Token, X-Request-Id, Accept, Origin, Cache-Control")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE, PATCH")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// apiKeyAuthMiddleware validates the local API key when one is configured. The
// caller's credential never reaches the upstream.
func (s *Server) apiKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.Security.APIKey
		if expected == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if apiKey == "" {
			c.AbortWithStatusJSON(401, gin.H{
				"error": gin.H{
					"message": "Missing API key",
					"type":    "invalid_request_error",
					"code":    "missing_api_key",
				},
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			s.logger.Warn("Invalid API key attempt",
				zap.String("key_prefix", maskAPIKey(apiKey)),
				zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(401, gin.H{
				"error": gin.H{
					"message": "Invalid API key",
					"type":    "invalid_request_error",
					"code":    "invalid_api_key",
				},
			})
			return
		}
		c.Next()
	}
}

// adminAuthMiddleware accepts X-Admin-Token holding either the admin password or
// the session token derived from it
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")
		password := s.cfg.Security.AdminPassword

		if token == "" || password == "" || !s.validAdminToken(token) {
			if token != "" {
				s.logger.Warn("Invalid admin token attempt", zap.String("client_ip", c.ClientIP()))
			}
			c.AbortWithStatusJSON(401, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) validAdminToken(token string) bool {
	password := s.cfg.Security.AdminPassword
	if subtle.ConstantTimeCompare([]byte(token), []byte(password)) == 1 {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(generateToken(password))) == 1
}

// adminSession exchanges the admin password for a session token
func (s *Server) adminSession(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}
	if s.cfg.Security.AdminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Security.AdminPassword)) != 1 {
		s.logger.Warn("Failed admin login attempt", zap.String("client_ip", c.ClientIP()))
		c.JSON(401, gin.H{"error": "Invalid password"})
		return
	}
	c.JSON(200, gin.H{"success": true, "token": generateToken(req.Password)})
}

func generateToken(password string) string {
	// 固定盐，重启后 token 不变
	h := sha256.New()
	h.Write([]byte("codex-proxy-admin-" + password))
	return hex.EncodeToString(h.Sum(nil))
}

// maskAPIKey returns a masked version of the API key for logging
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
