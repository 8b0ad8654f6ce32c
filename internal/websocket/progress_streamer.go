package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leadscope/backend/internal/database"
)

// ProgressEvent is one live snapshot of a task pushed to subscribers.
type ProgressEvent struct {
	Token        string          `json:"token"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	CreditsUsed  int             `json:"credits_used"`
	Logs         json.RawMessage `json:"logs,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ProgressStreamer manages WebSocket subscriptions to task progress. Clients
// subscribe to one task token; the streamer polls the store and pushes
// snapshots until the task reaches a terminal state.
type ProgressStreamer struct {
	store    database.Store
	mu       sync.RWMutex
	clients  map[string]map[*websocket.Conn]bool // token -> connections
	upgrader websocket.Upgrader
	interval time.Duration
	logger   *log.Logger
}

func NewProgressStreamer(store database.Store) *ProgressStreamer {
	return &ProgressStreamer{
		store:   store,
		clients: make(map[string]map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the edge proxy owns origin policy
			},
		},
		interval: time.Second,
		logger:   log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// Run polls subscribed tasks and broadcasts snapshots. Call in a goroutine.
func (ps *ProgressStreamer) Run(ctx context.Context) {
	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps.broadcastAll(ctx)
		}
	}
}

func (ps *ProgressStreamer) broadcastAll(ctx context.Context) {
	ps.mu.RLock()
	tokens := make([]string, 0, len(ps.clients))
	for token := range ps.clients {
		tokens = append(tokens, token)
	}
	ps.mu.RUnlock()

	for _, token := range tokens {
		task, err := ps.store.GetTaskByToken(ctx, token)
		if err != nil {
			ps.dropToken(token)
			continue
		}
		event := ProgressEvent{
			Token:        task.Token,
			Status:       task.Status,
			Progress:     task.Progress,
			CreditsUsed:  task.CreditsUsed,
			Logs:         task.Logs,
			ErrorMessage: task.ErrorMessage,
			Timestamp:    time.Now().UTC(),
		}
		ps.broadcast(token, event)

		// Final snapshot delivered; close out the subscription.
		if database.TerminalStatus(task.Status) {
			ps.dropToken(token)
		}
	}
}

func (ps *ProgressStreamer) broadcast(token string, event ProgressEvent) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for conn := range ps.clients[token] {
		if err := conn.WriteJSON(event); err != nil {
			ps.logger.Printf("write error on task %s: %v", token, err)
			conn.Close()
			delete(ps.clients[token], conn)
		}
	}
}

func (ps *ProgressStreamer) dropToken(token string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for conn := range ps.clients[token] {
		conn.Close()
	}
	delete(ps.clients, token)
}

// Subscribe upgrades the connection and registers it for one task token.
// The caller has already checked task ownership.
func (ps *ProgressStreamer) Subscribe(w http.ResponseWriter, r *http.Request, token string) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ps.logger.Printf("upgrade failed: %v", err)
		return
	}

	ps.mu.Lock()
	if ps.clients[token] == nil {
		ps.clients[token] = make(map[*websocket.Conn]bool)
	}
	ps.clients[token][conn] = true
	total := len(ps.clients[token])
	ps.mu.Unlock()
	ps.logger.Printf("client subscribed to task %s (subscribers: %d)", token, total)

	// Reader loop: we ignore inbound frames but need it to notice closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				ps.mu.Lock()
				if _, ok := ps.clients[token][conn]; ok {
					delete(ps.clients[token], conn)
					conn.Close()
				}
				ps.mu.Unlock()
				return
			}
		}
	}()
}
