package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	logx "github.com/spy-chat-core/server/pkg/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the router middleware
	CheckOrigin: func(*http.Request) bool { return true },
}

// progressSocket streams progress events for one conversation as JSON frames
// {type, conversation_id, data}. Frames from the client are ignored.
func (s *Server) progressSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Warn().Err(err).Str("conversation_id", conversationID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.runner.Notifier().Subscribe(conversationID)
	defer sub.Close()

	log := logx.Conversation(conversationID)
	log.Debug().Msg("progress subscriber connected")

	// reader: handles pongs and notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Msg("progress subscriber read failed")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("progress subscriber write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			log.Debug().Int("dropped", sub.Dropped()).Msg("progress subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}
