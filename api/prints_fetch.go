package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultPrintsLimit = 50

// PrintsFetch lists recent print jobs, newest first.
func (a *API) PrintsFetch(c *gin.Context) {
	requestID := c.MustGet("requestID").(string)

	limit := defaultPrintsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":     "Invalid limit",
				"requestID": requestID,
			})
			return
		}

		limit = parsed
	}

	room := c.Query("room")
	if room != "" {
		c.JSON(http.StatusOK, gin.H{
			"jobs": a.Ledger.ByRoom(room, limit),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  a.Ledger.Recent(limit),
		"stats": a.Ledger.Stats(),
	})
}
