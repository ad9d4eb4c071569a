// Package stream fans out server-sent events: job updates for the admin
// view and per-session depth progress for the editor page.
package stream

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 1000
	// Buffer size for each client's message channel
	ClientChannelBuffer = 256
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
	// How often to cleanup dead connections
	CleanupInterval = 60 * time.Second
	// Buffer size for hub broadcast queue
	HubBroadcastBuffer = 2048
)

// Message is one SSE event. Topic is not sent; it selects the subscribers.
type Message struct {
	Type  string `json:"type"`
	Msg   string `json:"msg"`
	Topic string `json:"-"`
}

type clientChan chan Message

// Client represents a connected SSE client
type Client struct {
	ID           string
	Topic        string // empty receives every message
	Channel      clientChan
	LastSeen     int64 // Unix timestamp
	RemoteAddr   string
	Connected    int64
	MessagesSent int64
}

func (c *Client) wants(m Message) bool {
	return c.Topic == "" || c.Topic == m.Topic
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ActiveConnections   int64 `json:"active_connections"`
	TotalMessages       int64 `json:"total_messages"`
	MaxConnections      int64 `json:"max_connections"`
	DroppedBroadcasts   int64 `json:"dropped_broadcasts"`
	DroppedClientMsgs   int64 `json:"dropped_client_msgs"`
	RejectedConnections int64 `json:"rejected_connections"`
}

// Hub manages SSE client connections.
type Hub struct {
	clients           sync.Map // map[clientChan]*Client
	closeMu           sync.RWMutex // held for writing while a client channel is closed
	activeCount       int64
	totalMessages     int64
	droppedBroadcasts int64
	droppedClientMsgs int64
	rejectedConns     int64
	maxConns          int64

	broadcast    chan Message
	shutdown     chan struct{}
	shutdownOnce sync.Once
	keepAlive    time.Duration
}

// NewHub starts the fan-out and cleanup loops. Call Shutdown to stop them.
func NewHub() *Hub {
	h := &Hub{
		maxConns:  MaxConcurrentConnections,
		broadcast: make(chan Message, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
		keepAlive: KeepAliveInterval,
	}
	go h.runBroadcastLoop()
	go h.cleanupRoutine()
	return h
}

// Stats returns current connection statistics.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections:   atomic.LoadInt64(&h.activeCount),
		TotalMessages:       atomic.LoadInt64(&h.totalMessages),
		MaxConnections:      h.maxConns,
		DroppedBroadcasts:   atomic.LoadInt64(&h.droppedBroadcasts),
		DroppedClientMsgs:   atomic.LoadInt64(&h.droppedClientMsgs),
		RejectedConnections: atomic.LoadInt64(&h.rejectedConns),
	}
}

// AddClient registers a client unless the hub is at capacity.
func (h *Hub) AddClient(c clientChan, topic, remoteAddr string) bool {
	if atomic.LoadInt64(&h.activeCount) >= h.maxConns {
		atomic.AddInt64(&h.rejectedConns, 1)
		log.Printf("Connection limit reached (%d), rejecting new client from %s", h.maxConns, remoteAddr)
		return false
	}
	now := time.Now()
	client := &Client{
		ID:         fmt.Sprintf("%d-%s", now.UnixNano(), remoteAddr),
		Topic:      topic,
		Channel:    c,
		LastSeen:   now.Unix(),
		RemoteAddr: remoteAddr,
		Connected:  now.Unix(),
	}
	h.clients.Store(c, client)
	atomic.AddInt64(&h.activeCount, 1)
	log.Printf("Client connected: %s (total: %d)", client.ID, atomic.LoadInt64(&h.activeCount))
	return true
}

// RemoveClient unregisters a client and closes its channel.
func (h *Hub) RemoveClient(c clientChan) {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if v, ok := h.clients.LoadAndDelete(c); ok {
		atomic.AddInt64(&h.activeCount, -1)
		close(c)
		log.Printf("Client disconnected: %s (total: %d)", v.(*Client).ID, atomic.LoadInt64(&h.activeCount))
	}
}

// Subscribe registers an in-process listener. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(topic string) (<-chan Message, func()) {
	c := make(clientChan, ClientChannelBuffer)
	if !h.AddClient(c, topic, "local") {
		close(c)
		return c, func() {}
	}
	return c, func() { h.RemoveClient(c) }
}

// Broadcast enqueues a message without blocking the caller. The message is
// dropped when the hub queue is full.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		atomic.AddInt64(&h.droppedBroadcasts, 1)
	}
}

func (h *Hub) runBroadcastLoop() {
	for {
		select {
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) fanOut(msg Message) {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()
	h.clients.Range(func(key, value any) bool {
		c := key.(clientChan)
		client := value.(*Client)
		if !client.wants(msg) {
			return true
		}
		select {
		case c <- msg:
			atomic.StoreInt64(&client.LastSeen, time.Now().Unix())
			atomic.AddInt64(&client.MessagesSent, 1)
			atomic.AddInt64(&h.totalMessages, 1)
		default:
			// client queue full
			atomic.AddInt64(&h.droppedClientMsgs, 1)
		}
		return true
	})
}

func (h *Hub) cleanupRoutine() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.cleanupStaleConnections(time.Now())
		case <-h.shutdown:
			return
		}
	}
}

// cleanupStaleConnections removes clients not written to for two cleanup intervals.
func (h *Hub) cleanupStaleConnections(now time.Time) int {
	threshold := now.Add(-2 * CleanupInterval).Unix()
	var stale []clientChan
	h.clients.Range(func(key, value any) bool {
		if atomic.LoadInt64(&value.(*Client).LastSeen) < threshold {
			stale = append(stale, key.(clientChan))
		}
		return true
	})
	if len(stale) > 0 {
		log.Printf("Cleaning up %d stale connections", len(stale))
		for _, c := range stale {
			h.RemoveClient(c)
		}
	}
	return len(stale)
}

// Shutdown stops the hub and disconnects every client.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, _ any) bool {
			h.RemoveClient(key.(clientChan))
			return true
		})
		log.Println("Stream hub shutdown complete")
	})
}

// ServeHTTP streams events to one client. The optional "topic" query
// parameter restricts the stream to one session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&h.activeCount) >= h.maxConns {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	messages := make(clientChan, ClientChannelBuffer)
	if !h.AddClient(messages, strings.TrimSpace(r.URL.Query().Get("topic")), r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.RemoveClient(messages)

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	if _, err := io.WriteString(w, "data: {\"type\":\"connected\",\"msg\":\"SSE connection established\"}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.shutdown:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, formatSSEResponse(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSEResponse(msg Message) string {
	// SSE data lines cannot contain newlines
	data := strings.ReplaceAll(msg.Msg, "\n", "\ndata: ")
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, data)
}
