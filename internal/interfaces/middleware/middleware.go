// Package middleware provides the gin middleware wrapping every admin
// route: request logging, panic recovery, and permissive CORS. There is no
// authentication layer — the admin surface is an internal operator API, not
// a tenant-facing one, per spec.md's Non-goals.
package middleware

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger logs each request's method, path, status, and latency, in the
// teacher's banner style.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		log.Printf("%s %s %d %v", c.Request.Method, path, status, latency)
	}
}

// Recovery converts a panic in a downstream handler into a 500 response
// instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("🔥 panic handling %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.JSON(http.StatusInternalServerError, gin.H{
					"message": "internal server error",
					"code":    "INTERNAL_ERROR",
					"data":    nil,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// Cors allows cross-origin requests from any origin, since the admin surface
// has no session cookies to protect.
func Cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
