package relayhub

import (
	"context"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	peerSendBuffer = 64
	peerWriteWait  = 5 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

// peer is one websocket connection joined to one channel. Frames are queued
// on send and written by the peer's own goroutine.
type peer struct {
	conn    *websocket.Conn
	subject string
	send    chan []byte
}

type hub struct {
	logger Logger

	mu       sync.Mutex
	channels map[string]map[*peer]struct{}
}

type ChannelStats struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

func newHub(logger Logger) *hub {
	return &hub{
		logger:   logger,
		channels: map[string]map[*peer]struct{}{},
	}
}

func (h *hub) join(channel string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.channels[channel]
	if !ok {
		peers = map[*peer]struct{}{}
		h.channels[channel] = peers
	}
	peers[p] = struct{}{}
}

func (h *hub) leave(channel string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.channels[channel]
	delete(peers, p)
	if len(peers) == 0 {
		delete(h.channels, channel)
	}
}

// broadcast queues data for every peer on channel except from, and returns
// how many peers accepted it. A peer whose buffer is full misses the frame.
func (h *hub) broadcast(channel string, from *peer, data []byte) int {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.channels[channel]))
	for p := range h.channels[channel] {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, p := range targets {
		select {
		case p.send <- data:
			delivered++
		default:
			logf(h.logger, "relay dropping frame for slow subscriber %s on %s", p.subject, channel)
		}
	}
	return delivered
}

func (h *hub) stats() []ChannelStats {
	h.mu.Lock()
	out := make([]ChannelStats, 0, len(h.channels))
	for name, peers := range h.channels {
		out = append(out, ChannelStats{Name: name, Subscribers: len(peers)})
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func (p *peer) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-p.send:
			writeCtx, done := context.WithTimeout(ctx, peerWriteWait)
			err := p.conn.Write(writeCtx, websocket.MessageText, data)
			done()
			if err != nil {
				return
			}
		}
	}
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
