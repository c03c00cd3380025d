package api

import (
	"net/http"

	"riboost/print-relay/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TokenRevoke deactivates a pairing token. Agents already online stay
// online, revocation only blocks future connects.
func (a *API) TokenRevoke(c *gin.Context) {
	requestID := c.MustGet("requestID").(string)
	id := c.Param("id")

	res := a.DB.
		Model(model.AgentToken{}).
		Where("id = ?", id).
		Update("active", false)
	if res.Error != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":     "Internal server error",
			"requestID": requestID,
		})

		zap.L().Error("Failed to revoke agent token", zap.Error(res.Error), zap.String("requestID", requestID))
		return
	}

	if res.RowsAffected == 0 {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":     "Token not found",
			"requestID": requestID,
		})
		return
	}

	c.Status(http.StatusNoContent)
}
