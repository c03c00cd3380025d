package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AgentsFetch lists online agents, the whole roster or one room's.
func (a *API) AgentsFetch(c *gin.Context) {
	room := c.Query("room")

	if room != "" {
		c.JSON(http.StatusOK, gin.H{
			"agents": a.Registry.ListByRoom(room),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": a.Registry.ListAll(),
		"rooms":  a.Registry.CountByRoom(),
	})
}
