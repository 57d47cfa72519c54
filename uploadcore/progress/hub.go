package progress

import (
	"sync"
	"time"

	"github.com/filetide/filetide/core/logging"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// sendBuffer bounds per-subscriber queued events; a slow consumer loses
	// events rather than stalling the upload path.
	sendBuffer = 16

	writeWait = 10 * time.Second
)

// Hub fans progress events out to websocket subscribers grouped by fileID.
// It implements Sink; delivery is best effort and failures only get logged.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers conn for events about fileID and services it until the
// peer disconnects. The hub takes ownership of conn.
func (h *Hub) Subscribe(fileID string, conn *websocket.Conn) {
	sub := &subscriber{
		conn: conn,
		send: make(chan Event, sendBuffer),
	}

	h.mu.Lock()
	if h.subscribers[fileID] == nil {
		h.subscribers[fileID] = make(map[*subscriber]struct{})
	}
	h.subscribers[fileID][sub] = struct{}{}
	h.mu.Unlock()

	go sub.writePump()
	go h.readPump(fileID, sub)
}

// Notify implements Sink.
func (h *Hub) Notify(fileID string, event Event) {
	event.FileID = fileID

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers[fileID] {
		select {
		case sub.send <- event:
		default:
			logging.Logger.Debug("dropping progress event for slow subscriber",
				zap.String("file_id", fileID), zap.String("event", event.Type))
		}
	}
}

// NotifyError implements Sink.
func (h *Hub) NotifyError(fileID, message string) {
	h.Notify(fileID, Event{Type: EventUploadError, Error: message})
}

// NotifyCompletion implements Sink.
func (h *Hub) NotifyCompletion(fileID, finalPath string) {
	h.Notify(fileID, Event{Type: EventUploadCompleted, FinalPath: finalPath})
}

// SubscriberCount reports how many connections watch fileID.
func (h *Hub) SubscriberCount(fileID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[fileID])
}

func (h *Hub) unsubscribe(fileID string, sub *subscriber) {
	h.mu.Lock()
	if subs, ok := h.subscribers[fileID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, fileID)
		}
	}
	h.mu.Unlock()

	sub.close()
}

func (sub *subscriber) writePump() {
	defer sub.conn.Close()

	for event := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		if err := sub.conn.WriteJSON(event); err != nil {
			logging.Logger.Debug("progress write failed", zap.Error(err))
			return
		}
	}
}

// readPump discards inbound frames; its job is noticing the peer went away.
func (h *Hub) readPump(fileID string, sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.unsubscribe(fileID, sub)
			return
		}
	}
}
