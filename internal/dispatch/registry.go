package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/rickgao/dashlink/internal/envelope"
	"github.com/rickgao/dashlink/internal/metrics"
)

// Handler receives the payload of every envelope of a subscribed type.
// Handlers must be comparable values (pointers in practice).
type Handler interface {
	HandleMessage(payload json.RawMessage) error
}

// FuncHandler adapts a function to Handler with pointer identity.
type FuncHandler struct {
	fn func(payload json.RawMessage) error
}

// Func wraps fn. Each call returns a distinct handler; keep the returned value
// to unsubscribe or to register it again without duplicate delivery.
func Func(fn func(payload json.RawMessage) error) *FuncHandler {
	return &FuncHandler{fn: fn}
}

// HandleMessage calls the wrapped function.
func (h *FuncHandler) HandleMessage(payload json.RawMessage) error {
	return h.fn(payload)
}

// Registry is a type-keyed multicast dispatch table.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]map[Handler]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		metrics:  m,
		handlers: make(map[string]map[Handler]struct{}),
	}
}

// Subscribe adds h to the set for msgType and returns a function that removes
// it again. The returned function is safe to call more than once.
func (r *Registry) Subscribe(msgType string, h Handler) func() {
	if !hashable(h) {
		r.logger.Error("rejecting subscriber: handler must be a non-nil comparable value",
			"type", msgType,
			"handler", fmt.Sprintf("%T", h),
		)
		return func() {}
	}

	r.mu.Lock()
	set, ok := r.handlers[msgType]
	if !ok {
		set = make(map[Handler]struct{})
		r.handlers[msgType] = set
	}
	set[h] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.Unsubscribe(msgType, h)
		})
	}
}

// Unsubscribe removes h from msgType. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(msgType string, h Handler) {
	if !hashable(h) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handlers[msgType]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.handlers, msgType)
	}
}

// Dispatch delivers env.Payload to every handler currently subscribed to
// env.Type and returns how many handlers were invoked. Handlers run outside
// the lock on a snapshot, so they may subscribe or unsubscribe freely.
func (r *Registry) Dispatch(env envelope.Envelope) int {
	r.mu.RLock()
	set := r.handlers[env.Type]
	if len(set) == 0 {
		r.mu.RUnlock()
		return 0
	}
	snapshot := make([]Handler, 0, len(set))
	for h := range set {
		snapshot = append(snapshot, h)
	}
	r.mu.RUnlock()

	for _, h := range snapshot {
		r.invoke(env, h)
	}
	return len(snapshot)
}

// invoke runs a single handler, containing errors and panics.
func (r *Registry) invoke(env envelope.Envelope, h Handler) {
	r.metrics.HandlerInvoked(env.Type)

	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.HandlerFailed(env.Type)
			r.logger.Error("subscriber panicked",
				"type", env.Type,
				"handler", fmt.Sprintf("%T", h),
				"panic", rec,
			)
		}
	}()

	if err := h.HandleMessage(env.Payload); err != nil {
		r.metrics.HandlerFailed(env.Type)
		r.logger.Warn("subscriber failed",
			"type", env.Type,
			"handler", fmt.Sprintf("%T", h),
			"error", err,
		)
	}
}

// hashable reports whether h can be used as a map key. The dynamic value is
// checked, so a struct holding a slice in an interface field is rejected too.
func hashable(h Handler) bool {
	return h != nil && reflect.ValueOf(h).Comparable()
}

// Types returns the message types with at least one subscriber, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of handlers subscribed to msgType.
func (r *Registry) Len(msgType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[msgType])
}
