// Package hostbridge relays call state to an embedding host over a websocket
// and accepts call commands from it.
package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/metrics"
	"github.com/mm-agent/voicecall/internal/session"
)

var ErrBackpressure = errors.New("backpressure")

// Commander is the part of the controller the host may drive.
type Commander interface {
	StartCall(ctx context.Context) error
	EndCall(ctx context.Context) error
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) trySend(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// Bridge is a session.Observer that fans state out to connected hosts.
type Bridge struct {
	ctx      context.Context
	cmd      Commander
	router   *Router
	history  *History
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
	wg      sync.WaitGroup
}

// New creates a bridge. Commands run under ctx. allowedOrigins containing "*"
// accepts any origin; requests without an Origin header are always accepted.
func New(ctx context.Context, cmd Commander, allowedOrigins []string, historySize int, logger *zap.Logger) *Bridge {
	b := &Bridge{
		ctx:     ctx,
		cmd:     cmd,
		router:  NewRouter(logger),
		history: NewHistory(historySize),
		logger:  logger,
		clients: make(map[string]*client),
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	b.router.Register(TypeCallStart, b.handleStart)
	b.router.Register(TypeCallEnd, b.handleEnd)
	return b
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// OnState implements session.Observer. It never blocks on slow hosts.
func (b *Bridge) OnState(s session.State) {
	b.publish(TypeStateChange, s)
	if s.Phase == session.PhaseError && s.ErrorMessage != nil {
		b.publish(TypeError, *s.ErrorMessage)
	}
}

func (b *Bridge) publish(typ string, payload any) {
	frame, err := newEnvelope(typ, payload)
	if err != nil {
		b.logger.Error("encode envelope", zap.String("type", typ), zap.Error(err))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.Write(frame)
	for id, c := range b.clients {
		if err := c.trySend(frame); err != nil {
			b.logger.Warn("dropping frame for slow host", zap.String("client", id), zap.String("type", typ))
		}
	}
}

// ServeHTTP upgrades the request and serves one host connection.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.String("origin", r.Header.Get("Origin")), zap.Error(err))
		return
	}

	c := &client{id: uuid.New().String(), conn: conn, send: make(chan []byte, 64)}
	logger := b.logger.With(zap.String("client", c.id))

	// Snapshot, queue and register under one lock so every frame reaches the
	// client exactly once, either replayed or live.
	b.mu.Lock()
	replay := b.history.Snapshot()
	ready, _ := json.Marshal(Envelope{
		Type:      TypeReady,
		ClientID:  c.id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(EventReady{ClientID: c.id, Replayed: len(replay)}),
	})
	c.send <- ready
	for _, f := range replay {
		if err := c.trySend(f); err != nil {
			break
		}
	}
	b.clients[c.id] = c
	b.mu.Unlock()
	metrics.BridgeClients.Inc()
	logger.Info("host connected", zap.Int("replayed", len(replay)))

	b.wg.Add(2)
	go b.writePump(c, logger)
	go b.readPump(c, logger)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Bridge) writePump(c *client, logger *zap.Logger) {
	defer b.wg.Done()
	defer b.remove(c)
	for frame := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Debug("write failed", zap.Error(err))
			return
		}
	}
}

func (b *Bridge) readPump(c *client, logger *zap.Logger) {
	defer b.wg.Done()
	defer b.remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			logger.Info("host disconnected", zap.Error(err))
			return
		}
		if err := b.router.Dispatch(c.id, data); err != nil {
			logger.Warn("bad host message", zap.Error(err))
		}
	}
}

func (b *Bridge) remove(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c.id]
	delete(b.clients, c.id)
	if ok {
		c.close()
		metrics.BridgeClients.Dec()
	}
	b.mu.Unlock()
}

// Clients returns the number of connected hosts.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every host and waits for their pumps to exit.
func (b *Bridge) Close() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		b.remove(c)
	}
	b.wg.Wait()
}

// Commands run on their own goroutine: the controller publishes back into
// this bridge synchronously.
func (b *Bridge) handleStart(clientID string, _ json.RawMessage) error {
	go func() {
		if err := b.cmd.StartCall(b.ctx); err != nil {
			b.logger.Info("call.start finished with error", zap.String("client", clientID), zap.Error(err))
		}
	}()
	return nil
}

func (b *Bridge) handleEnd(clientID string, _ json.RawMessage) error {
	go func() {
		if err := b.cmd.EndCall(b.ctx); err != nil {
			b.logger.Warn("call.end failed", zap.String("client", clientID), zap.Error(err))
		}
	}()
	return nil
}
