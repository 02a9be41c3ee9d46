package httpapi

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tm1ddleton/analytics-sub001/internal/replay"
	"github.com/tm1ddleton/analytics-sub001/internal/session"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// messageDTO is the wire shape for one session.Message forwarded over a
// stream connection.
type messageDTO struct {
	Kind      string          `json:"kind"`
	Asset     string          `json:"asset,omitempty"`
	Analytic  string          `json:"analytic,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Value     jsonFloat       `json:"value,omitempty"`
	Summary   *replay.Summary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func toMessageDTO(msg session.Message) messageDTO {
	dto := messageDTO{Kind: msg.Kind}
	switch msg.Kind {
	case "update":
		dto.Asset = msg.Asset.String()
		dto.Analytic = string(msg.Analytic)
		dto.Timestamp = msg.Timestamp.Format("2006-01-02")
		dto.Value = jsonFloat(msg.Value)
	case "progress":
		dto.Timestamp = msg.Timestamp.Format("2006-01-02")
	case "complete", "stopped":
		dto.Summary = msg.Summary
	case "error":
		if msg.Err != nil {
			dto.Error = msg.Err.Error()
		}
	}
	return dto
}

// handleStream upgrades to a websocket and forwards one session's broadcast
// messages to the client as they arrive, in the teacher's Hub/Client
// register-unregister-broadcast style but bridging a single session channel
// rather than a global hub. A read loop runs solely to detect the client
// going away, matching the teacher's pattern of discarding inbound frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return
		case msg, ok := <-sess.Broadcast():
			if !ok {
				return
			}
			if err := conn.WriteJSON(toMessageDTO(msg)); err != nil {
				return
			}
			switch msg.Kind {
			case "complete", "stopped", "error":
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}
