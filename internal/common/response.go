package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OK writes data as the response body.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

func Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, data)
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail aborts the request with an {error, code} body.
func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"error": msg,
		"code":  code,
	})
}
