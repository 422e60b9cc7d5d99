package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ilps-gateway/internal/metrics"
)

const writeWait = 10 * time.Second

// upgrader upgrades HTTP connections to WebSocket.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // browser clients are authenticated by bearer token, not cookies
	},
}

// ServeWebSocket upgrades the client connection and relays s as text messages.
// cancel must cancel the context s was opened with; it is called when the
// client goes away so the upstream read stops at once. A mid-stream upstream
// failure closes the socket with 1011. s is always closed on return.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, s *Stream, cancel context.CancelFunc, m *metrics.Metrics) error {
	defer func() { _ = s.Close() }()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Clients send nothing; reading only notices their close.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev, err := range s.All() {
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("event stream interrupted", "err", err)
			closeWith(conn, websocket.CloseInternalServerErr, interruptedDetail)
			return nil
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ev.Data)); err != nil {
			cancel()
			return fmt.Errorf("write websocket message: %w", err)
		}
		if m != nil {
			m.StreamEvents.WithLabelValues("websocket").Inc()
		}
	}

	closeWith(conn, websocket.CloseNormalClosure, "")
	return nil
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait),
	)
}
