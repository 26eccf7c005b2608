package events

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const writeTimeout = 10 * time.Second

// WebSocketHandler upgrades the request and streams events as JSON text
// frames. Clients may filter with ?session=<id> or ?scope=<name>.
func WebSocketHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionFilter := strings.TrimSpace(r.URL.Query().Get("session"))
		scopeFilter := strings.TrimSpace(r.URL.Query().Get("scope"))

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)
		slog.Debug("event client connected", "subscriber", id, "session", sessionFilter, "scope", scopeFilter)

		// The reader only watches for the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := wsutil.ReadClientData(conn); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if sessionFilter != "" && evt.SessionID != sessionFilter {
					continue
				}
				if scopeFilter != "" && evt.Scope != scopeFilter {
					continue
				}
				data, err := encode(evt)
				if err != nil {
					slog.Warn("event encode failed", "error", err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := wsutil.WriteServerText(conn, data); err != nil {
					slog.Debug("event client write failed", "subscriber", id, "error", err)
					return
				}
			}
		}
	}
}
