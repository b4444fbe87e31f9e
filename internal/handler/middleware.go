package handler

import (
	"log"
	"time"

	"havenledger/internal/model"
	"havenledger/internal/service"
	"havenledger/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	HeaderAccountID   = "X-Account-ID"
	HeaderAccountRole = "X-Account-Role"

	sessionKey = "haven.session"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, X-Request-ID, "+HeaderAccountID+", "+HeaderAccountRole)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// SessionMiddleware 从网关注入的请求头构造会话
//
// 身份由前置的认证服务校验，这里只负责读取，不做二次认证。
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := service.Session{
			AccountID: c.GetHeader(HeaderAccountID),
			Role:      c.GetHeader(HeaderAccountRole),
		}
		if session.Role == "" {
			session.Role = model.RoleListener
		}
		if err := session.Validate(); err != nil {
			response.Error(c, response.CodeUnauthorized, err.Error())
			c.Abort()
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// RequireAdmin 管理员接口
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessionFrom(c).IsAdmin() {
			response.Error(c, response.CodeForbidden, service.ErrForbidden.Error())
			c.Abort()
			return
		}
		c.Next()
	}
}

func sessionFrom(c *gin.Context) service.Session {
	value, ok := c.Get(sessionKey)
	if !ok {
		return service.Session{}
	}
	session, _ := value.(service.Session)
	return session
}
