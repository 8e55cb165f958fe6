package mockservice

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"zstudio/pkg/types"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub owns every websocket connection. All writes happen on the run goroutine,
// so frames reach each client in broadcast order.
type hub struct {
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan types.NotificationFrame
	drop       chan struct{}
	quit       chan struct{}
	done       chan struct{}
	clients    atomic.Int32
	stopOnce   sync.Once
	log        zerolog.Logger
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan types.NotificationFrame),
		drop:       make(chan struct{}),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *hub) run() {
	defer close(h.done)
	conns := make(map[*websocket.Conn]struct{})
	remove := func(c *websocket.Conn) {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			_ = c.Close()
			h.clients.Store(int32(len(conns)))
		}
	}
	for {
		select {
		case c := <-h.register:
			conns[c] = struct{}{}
			h.clients.Store(int32(len(conns)))
			h.log.Debug().Str("remote", c.RemoteAddr().String()).Msg("ws client connected")

		case c := <-h.unregister:
			remove(c)

		case f := <-h.broadcast:
			for c := range conns {
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteJSON(f); err != nil {
					h.log.Debug().Err(err).Msg("ws write failed; dropping client")
					remove(c)
				}
			}

		case <-h.drop:
			// Abrupt close without a close frame.
			for c := range conns {
				remove(c)
			}

		case <-h.quit:
			for c := range conns {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				remove(c)
			}
			return
		}
	}
}

// publish queues f for every client. It is a no-op after stop.
func (h *hub) publish(f types.NotificationFrame) {
	select {
	case h.broadcast <- f:
	case <-h.quit:
	}
}

func (h *hub) dropAll() {
	select {
	case h.drop <- struct{}{}:
	case <-h.quit:
	}
}

func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	select {
	case h.register <- conn:
	case <-h.quit:
		_ = conn.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.quit:
		}
	}()

	// Clients only listen; reading keeps control frames flowing and detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
	}
}
