// Package wsbridge exposes internal/eventbus topics to websocket clients,
// the transport the UI event surface (session-keyed and generic mirror
// topics alike) is delivered over. It knows nothing about session
// semantics; it only subscribes to whatever topics a client names and
// relays eventbus.Envelope values as JSON frames, mirroring the reference
// session broadcaster's accept/write-loop shape without that broadcaster's
// terminal/pty or file-browsing surface.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/riftlabs/cortexd/internal/eventbus"
	"github.com/riftlabs/cortexd/internal/obslog"
)

const writeTimeout = 15 * time.Second

// Handler upgrades a request to a websocket and streams the topics named
// by its "topics" query parameter (comma-separated) until the client
// disconnects or a write to it fails.
type Handler struct {
	bus *eventbus.Bus
}

// New wires a Handler to the bus it relays.
func New(bus *eventbus.Bus) *Handler {
	return &Handler{bus: bus}
}

// ServeHTTP implements http.Handler. A connection with no "topics" query
// parameter is rejected rather than silently subscribing to nothing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		http.Error(w, "missing topics query parameter", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// Nothing is read from the client; CloseRead cancels ctx when it
	// disconnects.
	ctx := ws.CloseRead(r.Context())

	merged := make(chan eventbus.Envelope, 256)
	var unsubs []func()
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()
	for _, topic := range topics {
		ch, unsub := h.bus.Subscribe(topic)
		unsubs = append(unsubs, unsub)
		go relay(ctx, ch, merged)
	}

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "context done")
			return
		case env, ok := <-merged:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				obslog.Logf("wsbridge", "write failed, closing: %v", err)
				return
			}
		}
	}
}

// relay copies one topic's subscriber channel onto the merged output
// channel until ctx is cancelled or the source channel closes.
func relay(ctx context.Context, src <-chan eventbus.Envelope, dst chan<- eventbus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-src:
			if !ok {
				return
			}
			select {
			case dst <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
