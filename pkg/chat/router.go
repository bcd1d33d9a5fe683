package chat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Router owns the HTTP surface: chat submission, websocket attach, and
// transcript reads. It registers everything on a plain ServeMux so callers can
// mount it under a prefix.
type Router struct {
	mux      *http.ServeMux
	svc      *ChatService
	cm       *ConvManager
	upgrader websocket.Upgrader
}

func NewRouter(svc *ChatService, cm *ConvManager) (*Router, error) {
	if svc == nil {
		return nil, errors.New("chat: router needs a chat service")
	}
	if cm == nil {
		return nil, errors.New("chat: router needs a conv manager")
	}
	r := &Router{
		mux: http.NewServeMux(),
		svc: svc,
		cm:  cm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	r.registerHTTPHandlers()
	return r, nil
}

func (r *Router) Handler() http.Handler { return r.mux }

// Mount attaches all handlers to a parent mux with the given prefix.
// http.ServeMux does not strip prefixes, so we must use StripPrefix explicitly.
func (r *Router) Mount(mux *http.ServeMux, prefix string) {
	if prefix == "" || prefix == "/" {
		mux.Handle("/", r.mux)
		return
	}
	prefix = strings.TrimRight(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, r.mux))
}

func (r *Router) registerHTTPHandlers() {
	r.mux.HandleFunc("/api/chat", NewChatHandler(r.svc))
	r.mux.HandleFunc("/api/conversations/", NewTranscriptHandler(r.svc))
	r.mux.HandleFunc("/ws", NewWSHandler(r.cm, r.upgrader))
	r.mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UnixMilli()})
	})
}

// ChatRequest is the POST /api/chat body. Mode selects the delivery path;
// it defaults to live.
type ChatRequest struct {
	ConvID  string `json:"conv_id"`
	Message string `json:"message"`
	Mode    string `json:"mode"`
}

type ChatResponse struct {
	ConvID    string `json:"conv_id"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
}

func NewChatHandler(svc *ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if svc == nil {
			http.Error(w, "chat service not initialized", http.StatusServiceUnavailable)
			return
		}
		var body ChatRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Message) == "" {
			http.Error(w, "missing message", http.StatusBadRequest)
			return
		}

		switch strings.ToLower(strings.TrimSpace(body.Mode)) {
		case "", "live":
			res, err := svc.SubmitLive(req.Context(), body.ConvID, body.Message)
			if err != nil {
				if errors.Is(err, ErrConversationBusy) {
					http.Error(w, "conversation busy", http.StatusConflict)
					return
				}
				log.Error().Err(err).Str("component", "chat_http").Msg("live submit failed")
				http.Error(w, "failed to start session", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusAccepted, ChatResponse{
				ConvID:    res.ConvID,
				SessionID: res.SessionID,
				Status:    "streaming",
			})
		case "queued":
			convID, err := svc.SubmitQueued(req.Context(), body.ConvID, body.Message)
			if err != nil {
				log.Error().Err(err).Str("component", "chat_http").Msg("enqueue failed")
				http.Error(w, "failed to enqueue message", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusAccepted, ChatResponse{ConvID: convID, Status: "queued"})
		default:
			http.Error(w, "unknown mode", http.StatusBadRequest)
		}
	}
}

// NewTranscriptHandler serves GET /api/conversations/{id}/messages.
func NewTranscriptHandler(svc *ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if svc == nil {
			http.Error(w, "chat service not initialized", http.StatusServiceUnavailable)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/api/conversations/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
			http.NotFound(w, req)
			return
		}
		convID := parts[0]

		limit := 0
		if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		entries, err := svc.Transcript(req.Context(), convID, limit)
		if err != nil {
			log.Error().Err(err).Str("component", "chat_http").Str("conv_id", convID).Msg("transcript read failed")
			http.Error(w, "failed to load transcript", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conv_id":  convID,
			"messages": entries,
		})
	}
}

// NewWSHandler upgrades GET /ws?conv_id=... and attaches the connection to the
// conversation's pool.
func NewWSHandler(cm *ConvManager, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if cm == nil {
			http.Error(w, "conv manager not initialized", http.StatusServiceUnavailable)
			return
		}
		convID := strings.TrimSpace(req.URL.Query().Get("conv_id"))
		if convID == "" {
			http.Error(w, "missing conv_id", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		if err := cm.AttachWebSocket(convID, conn, WebSocketAttachOptions{HandlePingPong: true}); err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
			_ = conn.Close()
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
