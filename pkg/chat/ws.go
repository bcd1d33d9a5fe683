package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type WebSocketAttachOptions struct {
	HandlePingPong bool
}

// AttachWebSocket adds a client connection to the conversation's pool and
// runs its read loop. The read loop only serves ping/pong keepalive; all
// server-to-client traffic goes through the pool broadcast.
func (cm *ConvManager) AttachWebSocket(convID string, conn *websocket.Conn, opts WebSocketAttachOptions) error {
	if cm == nil {
		return errors.New("chat: conv manager is not initialized")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("chat: missing convID")
	}
	if conn == nil {
		return errors.New("chat: websocket connection is nil")
	}

	conv, _ := cm.GetOrCreate(convID)
	conv.pool.Add(conn)
	conv.Touch()

	wsLog := log.With().
		Str("component", "chat").
		Str("remote", conn.RemoteAddr().String()).
		Str("conv_id", convID).
		Logger()
	wsLog.Info().Msg("ws attached")

	go func() {
		defer conv.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if opts.HandlePingPong && msgType == websocket.TextMessage && isPingPayload(data) {
				pong := newEnvelope("pong", 200, "", map[string]any{
					"conv_id":     convID,
					"server_time": time.Now().UnixMilli(),
				})
				if b, err := pong.MarshalBytes(); err == nil {
					wsLog.Debug().Msg("ws sending pong")
					conv.pool.SendToOne(conn, b)
				}
			}
		}
	}()
	return nil
}

func isPingPayload(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil || v == nil {
		return false
	}
	t, ok := v["event"].(string)
	return ok && strings.EqualFold(t, "ping")
}
