package api

import (
	"net/http"
	"slices"

	"riboost/print-relay/internal/dispatch"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// Agents connect without an Origin header, browsers must come from a
// configured origin.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(viper.GetStringSlice("cors.origins"), origin)
}

// Websocket admits, upgrades and classifies a connection, then runs its
// pumps until it dies. Query params carry the handshake: type=agent plus
// token=<pairing token> for agents, optional auth=<session JWT> for
// dashboards.
func (a *API) Websocket(c *gin.Context) {
	ip := c.ClientIP()

	if !a.ConnLimit.Check(ip) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Too many connections",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.L().Error("Failed to upgrade connection", zap.Error(err), zap.String("ip", ip))
		return
	}

	conn := dispatch.NewConn(uuid.NewString(), ip, ws)

	kind := c.Query("type")
	token := c.Query("token")
	if token == "" {
		token = c.Query("auth")
	}

	if err := a.Dispatch.Authenticate(conn, kind, token); err != nil {
		zap.L().Warn("Rejected agent connection",
			zap.Error(err),
			zap.String("ip", ip),
			zap.String("connID", conn.ID))
		return
	}

	zap.L().Info("Connection established",
		zap.String("connID", conn.ID),
		zap.String("ip", ip),
		zap.String("kind", kind))

	go conn.WritePump()

	conn.ReadPump(a.Dispatch)
	a.Dispatch.Disconnect(conn)
}
