package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/t3chn0func/webio/internal/gateway"
	"github.com/t3chn0func/webio/internal/provider"
	"github.com/t3chn0func/webio/pkg/logger"
)

// Application close codes sent when an attach is rejected after the upgrade.
const (
	closeInvalidParams   = 4000
	closeUnknownProvider = 4001
	closeUnknownCall     = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from the dialer page origin; auth lives in the JWT,
	// not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler upgrades the request and hands the connection to the gateway.
// Rejections happen after the upgrade so the client receives a close code it
// can act on instead of a bare HTTP error.
func WSHandler(g *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")
		providerID := c.Param("provider")
		log := logger.FromGin(c)

		sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			log.Warn("websocket upgrade failed", "call_id", callID, "err", err)
			return
		}

		if _, err := g.Attach(sock, callID, providerID); err != nil {
			log.Info("websocket attach rejected", "call_id", callID, "provider_id", providerID, "err", err)
			msg := websocket.FormatCloseMessage(closeCodeFor(err), err.Error())
			_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = sock.Close()
		}
	}
}

func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnknownCall):
		return closeUnknownCall
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, gateway.ErrProviderMismatch):
		return closeUnknownProvider
	case errors.Is(err, gateway.ErrClosed):
		return websocket.CloseGoingAway
	default:
		return closeInvalidParams
	}
}
