package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// presenceFrame is one client update. Omitting Online counts as a
// heartbeat.
type presenceFrame struct {
	MemberID string `json:"memberId"`
	Online   *bool  `json:"online,omitempty"`
}

type presenceAck struct {
	MemberID string `json:"memberId"`
	Online   bool   `json:"online"`
	Error    string `json:"error,omitempty"`
}

// presenceFeed keeps members online for the life of the socket. Every
// member announced on a connection goes offline when it closes.
func (s *Server) presenceFeed(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	connected := make(map[string]bool)
	defer func() {
		for id := range connected {
			s.deps.Presence.Disconnect(id)
		}
	}()

	for {
		var f presenceFrame
		if err := ws.ReadJSON(&f); err != nil {
			s.logger.Debug("presence client disconnected", zap.Error(err))
			return
		}
		if f.MemberID == "" {
			if err := ws.WriteJSON(presenceAck{Error: "memberId is required"}); err != nil {
				return
			}
			continue
		}

		online := f.Online == nil || *f.Online
		if !connected[f.MemberID] && online {
			connected[f.MemberID] = true
			s.deps.Presence.Connect(f.MemberID)
		} else {
			s.deps.Presence.Update(f.MemberID, online)
		}

		if err := ws.WriteJSON(presenceAck{MemberID: f.MemberID, Online: online}); err != nil {
			return
		}
	}
}
