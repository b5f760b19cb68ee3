package rest

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dazzle-run/runtime/pkg/errors"
)

// RespondAppError sends a standardised JSON error response using pkg/errors.
func RespondAppError(c *gin.Context, err error) {
	code := errors.GetHTTPStatus(err)
	errorCode := errors.GetErrorCode(err)
	message := err.Error()

	if code >= 500 {
		log.Printf("❌ ERROR [%d] %s %s: %s", code, c.Request.Method, c.Request.URL.Path, message)
	}

	c.JSON(code, gin.H{
		"message": message,
		"code":    errorCode,
		"data":    nil,
	})
}

// BindJSON binds JSON and returns true if successful. If it fails, it sends
// a standardized bad-request response and the caller should return early.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		RespondAppError(c, errors.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

// HandleGetEnvelope executes a read action and returns the result wrapped in
// a JSON key: { [key]: result }.
func HandleGetEnvelope(c *gin.Context, key string, action func() (interface{}, error)) {
	result, err := action()
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: result})
}

// HandleActionEnvelope executes a write action and returns a success
// message: { "message": successMsg }.
func HandleActionEnvelope(c *gin.Context, successMsg string, action func() error) {
	if err := action(); err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": successMsg})
}
