package hostbridge

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Handler processes a specific command type.
type Handler func(clientID string, payload json.RawMessage) error

// Router dispatches incoming host messages to registered handlers.
type Router struct {
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRouter creates a new message router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{handlers: make(map[string]Handler), logger: logger}
}

// Register adds a handler for a specific message type.
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// Dispatch parses a raw message and routes it to the matching handler.
// Unknown types are logged and dropped.
func (r *Router) Dispatch(clientID string, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Warn("unknown message type", zap.String("type", env.Type), zap.String("client", clientID))
		return nil
	}
	return h(clientID, env.Payload)
}
