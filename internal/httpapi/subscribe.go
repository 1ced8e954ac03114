package httpapi

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kasirinaja/offline/internal/dispatch"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// stateSlices are the parts of the state a UI component can subscribe to.
var stateSlices = map[string]func(dispatch.State) any{
	"categories":           func(s dispatch.State) any { return s.Categories },
	"customers":            func(s dispatch.State) any { return s.Customers },
	"products":             func(s dispatch.State) any { return s.Products },
	"productBatches":       func(s dispatch.State) any { return s.ProductBatches },
	"purchaseOrders":       func(s dispatch.State) any { return s.PurchaseOrders },
	"orders":               func(s dispatch.State) any { return s.Orders },
	"transactions":         func(s dispatch.State) any { return s.Transactions },
	"refunds":              func(s dispatch.State) any { return s.Refunds },
	"expenses":             func(s dispatch.State) any { return s.Expenses },
	"customerTransactions": func(s dispatch.State) any { return s.CustomerTransactions },
	"usage":                func(s dispatch.State) any { return s.Usage },
	"plan":                 func(s dispatch.State) any { return s.Plan },
	"sync":                 func(s dispatch.State) any { return s.Sync },
	"online":               func(s dispatch.State) any { return s.Online },
	"charts":               func(s dispatch.State) any { return s.Charts },
}

type sliceMessage struct {
	Slice string `json:"slice"`
	Value any    `json:"value"`
}

// latest holds the newest value of a slice. Intermediate values may be
// skipped when the client reads slower than the state changes.
type latest struct {
	mu    sync.Mutex
	value any
	ready chan struct{}
}

func (l *latest) set(v any) {
	l.mu.Lock()
	l.value = v
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest) get() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// handleSubscribe upgrades to a websocket and pushes the requested slice
// now and after every change to it.
func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("slice")
	selector, ok := stateSlices[name]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown slice %q", name))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[httpapi] WARN: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	d := a.agent.Dispatcher()
	l := &latest{ready: make(chan struct{}, 1)}
	cancel := d.Subscribe(selector, l.set)
	defer cancel()
	l.set(selector(d.State()))

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-l.ready:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sliceMessage{Slice: name, Value: l.get()}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are handled, and
// closes done when the connection goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[httpapi] WARN: websocket read: %v", err)
			}
			return
		}
	}
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || a.allowedOrigin == "*" || origin == a.allowedOrigin
}
