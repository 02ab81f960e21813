package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/dashlink/internal/envelope"
)

const (
	peerQueueSize = 64
	writeTimeout  = 5 * time.Second
)

// hub tracks connected peers and fans frames out to all of them.
type hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
	beats int64
}

// peer is one connected client with its own outbound queue.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newHub(logger *slog.Logger) *hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the peer until it leaves.
func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, peerQueueSize),
	}
	h.add(p)
	defer h.remove(p)

	go h.writeLoop(p)
	h.readLoop(p)
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.logger.Info("peer connected", "peer_id", p.id, "peers", n)
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	n := len(h.peers)
	h.mu.Unlock()

	if ok {
		p.close()
		h.logger.Info("peer disconnected", "peer_id", p.id, "peers", n)
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.send)
	})
}

// broadcast queues data for every peer. Peers whose queue is full are
// dropped rather than slowing everyone down.
func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	var slow []*peer
	for p := range h.peers {
		select {
		case p.send <- data:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.Unlock()

	for _, p := range slow {
		h.logger.Warn("dropping slow peer", "peer_id", p.id)
		p.conn.Close()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// readLoop rebroadcasts every text frame the peer sends.
func (h *hub) readLoop(p *peer) {
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("peer read error", "peer_id", p.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.broadcast(data)
	}
}

// writeLoop drains the peer queue onto its socket.
func (h *hub) writeLoop(p *peer) {
	defer p.conn.Close()

	for data := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("peer write error", "peer_id", p.id, "error", err)
			return
		}
	}

	p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// heartbeatLoop broadcasts a heartbeat envelope every interval.
func (h *hub) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.mu.Lock()
			h.beats++
			seq := h.beats
			h.mu.Unlock()

			data, err := envelope.Encode("heartbeat", map[string]any{
				"seq":   seq,
				"peers": h.count(),
			}, now)
			if err != nil {
				h.logger.Error("failed to encode heartbeat", "error", err)
				continue
			}
			h.broadcast(data)
		}
	}
}

// closeAll detaches every peer and closes its queue, which sends a normal
// close frame.
func (h *hub) closeAll() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
		delete(h.peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}
