package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bonus_service/internal/auth"
	"bonus_service/internal/bonus"
	"bonus_service/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// progressStream pushes the caller's wagering updates over a websocket.
// Inbound messages are read only to notice the close and answer pings.
type progressStream struct {
	bonuses  *bonus.Service
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func newProgressStream(bonuses *bonus.Service, log zerolog.Logger) *progressStream {
	return &progressStream{
		bonuses: bonuses,
		log:     log.With().Str("handler", "progress_stream").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (p *progressStream) Serve(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	// Subscribe before the handshake completes so no update committed after
	// the client sees the upgrade is lost.
	updates := p.bonuses.SubscribeToWageringUpdates(userID)

	conn, err := p.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		p.bonuses.UnsubscribeFromWageringUpdates(userID, updates)
		p.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to upgrade to WebSocket")
		return
	}

	metrics.WebsocketSubscribers.Inc()
	defer func() {
		p.bonuses.UnsubscribeFromWageringUpdates(userID, updates)
		metrics.WebsocketSubscribers.Dec()
		conn.Close() //nolint:errcheck
	}()

	done := make(chan struct{})
	go p.readLoop(conn, userID, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteJSON(update); err != nil {
				p.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to write progress update")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send ping")
				return
			}
		}
	}
}

func (p *progressStream) readLoop(conn *websocket.Conn, userID string, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Warn().Err(err).Str("user_id", userID).Msg("WebSocket connection closed unexpectedly")
			}
			return
		}
	}
}
