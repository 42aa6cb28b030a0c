package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"licensed/internal/infrastructure"
)

// Options configures upgraded connections
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
	// CheckOrigin defaults to accepting every origin; the admin API sits
	// behind bearer authentication
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// Handler upgrades requests to websocket connections subscribed to the hub.
// The optional "types" query parameter is a comma separated list of event
// type prefixes, e.g. ?types=key.,activation.
func (h *Hub) Handler(opts Options) http.Handler {
	opts = opts.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error
			h.logger.WarnContext(r.Context(), "websocket upgrade failed",
				slog.String("error", err.Error()))
			return
		}

		c := newClient(h, NewConnection(conn), opts, infrastructure.GetTraceID(r.Context()), parseFilter(r.URL.Query().Get("types")))
		if !h.add(c) {
			conn.Close()
			return
		}
		go c.writePump()
		go c.readPump()
	})
}

func parseFilter(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
