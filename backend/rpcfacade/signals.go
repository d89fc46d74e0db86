package rpcfacade

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsdrive/syncagent/backend/cachemgr"
	"github.com/nsdrive/syncagent/backend/logging"
	"github.com/nsdrive/syncagent/backend/rpcproto"
)

// subscriberQueueSize bounds each websocket subscriber's outbound
// buffer; maxConsecutiveDrops is how many full-queue drops in a row
// before the subscriber itself is evicted (spec §4.J's "slow
// subscribers are dropped after a bounded queue fills" — stricter than
// cachemgr.Bus's own per-message drop-and-continue, since here dropping
// the message but keeping a permanently-slow client subscribed would
// starve it silently forever).
const (
	subscriberQueueSize = 256
	maxConsecutiveDrops = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type subscriber struct {
	id     int
	treeID string
	ch     chan rpcproto.SignalMsg
	drops  int
}

// signalHub multiplexes cachemgr.Bus events (and relayed send_signal
// posts) out to every websocket-connected subscribe_to_signals client,
// filtering by tree_id when the client asked for one.
type signalHub struct {
	log *logging.Logger
	bus *cachemgr.Bus

	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

func newSignalHub(log *logging.Logger, bus *cachemgr.Bus) *signalHub {
	h := &signalHub{log: log, bus: bus, subs: make(map[int]*subscriber)}
	go h.pump()
	return h
}

// pump translates cachemgr.Event into rpcproto.SignalMsg and fans it
// out — the bridge between the internal cache-manager bus (component G)
// and the RPC-facing signal bus spec §4.J describes.
func (h *signalHub) pump() {
	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()
	for ev := range events {
		h.broadcast(translateEvent(ev))
	}
}

func translateEvent(ev cachemgr.Event) rpcproto.SignalMsg {
	msg := rpcproto.SignalMsg{Sender: "cachemgr", DeviceUID: uint32(ev.Device)}
	switch ev.Type {
	case cachemgr.NodeUpserted:
		msg.SigInt = rpcproto.SigNodeUpserted
		if ev.Node != nil {
			dto := rpcproto.FromNode(ev.Node.Identifier(), ev.Node, nil)
			msg.Node = &dto
		}
	case cachemgr.NodeRemoved:
		msg.SigInt = rpcproto.SigNodeRemoved
		msg.RemovedGUID = spidGUID(ev.Device, ev.RemovedUID)
	case cachemgr.SubtreeNodesChanged:
		msg.SigInt = rpcproto.SigSubtreeNodesChanged
		msg.SubtreeGUID = spidGUID(ev.Device, ev.SubtreeUID)
	case cachemgr.TreeLoadStateUpdated:
		msg.SigInt = rpcproto.SigTreeLoadStateUpdated
		msg.State = ev.State.String()
	case cachemgr.StatsUpdated:
		msg.SigInt = rpcproto.SigStatsUpdated
		stats := rpcproto.FromDirMeta(ev.Stats)
		msg.Stats = &stats
	}
	return msg
}

// broadcast delivers msg to every subscriber whose tree_id filter
// (empty means "all") matches, evicting any subscriber whose queue has
// been full maxConsecutiveDrops times running.
func (h *signalHub) broadcast(msg rpcproto.SignalMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if sub.treeID != "" && msg.TreeID != "" && sub.treeID != msg.TreeID {
			continue
		}
		select {
		case sub.ch <- msg:
			sub.drops = 0
		default:
			sub.drops++
			if sub.drops >= maxConsecutiveDrops {
				h.log.Warnf("rpcfacade: evicting slow signal subscriber %d after %d dropped messages", id, sub.drops)
				close(sub.ch)
				delete(h.subs, id)
			}
		}
	}
}

func (h *signalHub) subscribe(treeID string) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	sub := &subscriber{id: id, treeID: treeID, ch: make(chan rpcproto.SignalMsg, subscriberQueueSize)}
	h.subs[id] = sub
	return sub
}

func (h *signalHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// relay is send_signal's server-side effect: a client-originated signal
// (e.g. a UI-enablement toggle or selection change) is fanned out to
// every other subscriber exactly like an internally-generated one.
func (h *signalHub) relay(msg rpcproto.SignalMsg) {
	h.broadcast(msg)
}

func (f *Facade) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	treeID := r.URL.Query().Get("tree_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warnf("rpcfacade: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := f.signals.subscribe(treeID)
	defer f.signals.unsubscribe(sub.id)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// A reader goroutine only exists to notice the peer closing; clients
	// never send anything meaningful on this connection (send_signal is
	// its own unary POST, per spec's "one unary method per command, one
	// server-streaming subscription" shape).
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (f *Facade) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	var msg rpcproto.SignalMsg
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_REQUEST", "malformed signal", err)
		return
	}
	if msg.Sender == "" {
		msg.Sender = "client"
	}
	f.signals.relay(msg)
	writeJSON(w, http.StatusOK, struct{}{})
}
