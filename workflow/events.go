package workflow

import "context"

// StreamEventType defines the type of workflow stream event.
type StreamEventType string

const (
	// EventNodeStart is emitted before a node begins execution.
	EventNodeStart StreamEventType = "node_start"
	// EventNodeComplete is emitted after a node finishes successfully.
	EventNodeComplete StreamEventType = "node_complete"
	// EventNodeError is emitted when a node fails.
	EventNodeError StreamEventType = "node_error"
)

// StreamEvent carries information about a workflow execution event.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	NodeName string          `json:"node_name,omitempty"`
	Data     any             `json:"data,omitempty"`
	Error    error           `json:"-"`
}

// StreamEmitter is a callback that receives workflow stream events.
// Tracing layers register one to open a span per node.
type StreamEmitter func(StreamEvent)

// streamEmitterKey is the context key for StreamEmitter.
type streamEmitterKey struct{}

// WithStreamEmitter stores a StreamEmitter in the context.
func WithStreamEmitter(ctx context.Context, emitter StreamEmitter) context.Context {
	if emitter == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, streamEmitterKey{}, emitter)
}

// streamEmitterFromContext retrieves the StreamEmitter from context.
func streamEmitterFromContext(ctx context.Context) (StreamEmitter, bool) {
	if ctx == nil {
		return nil, false
	}
	v := ctx.Value(streamEmitterKey{})
	if v == nil {
		return nil, false
	}
	emit, ok := v.(StreamEmitter)
	return emit, ok && emit != nil
}

// emitEvent delivers an event to the context emitter, if any.
func emitEvent(ctx context.Context, ev StreamEvent) {
	if emit, ok := streamEmitterFromContext(ctx); ok {
		emit(ev)
	}
}
