package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is the public health snapshot. Cached for a few seconds, the
// numbers don't need to be exact.
func (a *API) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(a.startedAt).Round(time.Second).String(),
		"connections": a.Hub.Size(),
		"agents":      a.Registry.Size(),
		"rooms":       a.Registry.CountByRoom(),
		"jobs":        a.Ledger.Stats(),
	})
}
