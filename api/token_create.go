package api

import (
	"net/http"

	"riboost/print-relay/model"
	"riboost/print-relay/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type tokenCreateBody struct {
	RestaurantID string `json:"restaurantId"`
}

// TokenCreate issues a fresh pairing token. The pairing code doubles as
// the agent's room key, so every token gets a new one.
func (a *API) TokenCreate(c *gin.Context) {
	requestID := c.MustGet("requestID").(string)

	var data tokenCreateBody
	if err := c.ShouldBind(&data); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid request body",
			"requestID": requestID,
		})

		zap.L().Error("Can't bind request body", zap.Error(err), zap.String("requestID", requestID))
		return
	}

	if data.RestaurantID == "" {
		data.RestaurantID = c.GetString("restaurantID")
	}

	code, err := util.GeneratePairingCode()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":     "Internal server error",
			"requestID": requestID,
		})

		zap.L().Error("Failed to generate pairing code", zap.Error(err), zap.String("requestID", requestID))
		return
	}

	token, err := util.GenerateAgentToken(code)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":     "Internal server error",
			"requestID": requestID,
		})

		zap.L().Error("Failed to generate agent token", zap.Error(err), zap.String("requestID", requestID))
		return
	}

	record := model.AgentToken{
		ID:           uuid.NewString(),
		Token:        token,
		PairingCode:  code,
		RestaurantID: data.RestaurantID,
		Active:       true,
	}

	if err := a.DB.Create(&record).Error; err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":     "Internal server error",
			"requestID": requestID,
		})

		zap.L().Error("Failed to persist agent token", zap.Error(err), zap.String("requestID", requestID))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":          record.ID,
		"token":       token,
		"pairingCode": code,
	})
}
