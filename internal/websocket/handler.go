package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades connections and runs them as hub clients. When
// snapshot is set its result is the first message each client receives.
func HandleWebSocket(hub *Hub, originPatterns []string, snapshot func() Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			hub.logger.Warn().Err(err).Msg("accept")
			return
		}
		defer conn.CloseNow()

		var greeting *Message
		if snapshot != nil {
			msg := snapshot()
			greeting = &msg
		}
		NewClient(hub, conn).Run(r.Context(), greeting)
	}
}
