package dispatch

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rickgao/dashlink/internal/envelope"
)

// counter is a comparable test handler that records invocations.
type counter struct {
	calls atomic.Int32
	last  atomic.Value
}

func (c *counter) HandleMessage(payload json.RawMessage) error {
	c.calls.Add(1)
	c.last.Store(string(payload))
	return nil
}

// sliceHandler is not comparable and cannot be a set member.
type sliceHandler []int

func (s sliceHandler) HandleMessage(json.RawMessage) error { return nil }

// boxHandler has a comparable type but may hold an unhashable value.
type boxHandler struct{ tag any }

func (b boxHandler) HandleMessage(json.RawMessage) error { return nil }

func newEnvelope(msgType, payload string) envelope.Envelope {
	return envelope.Envelope{Type: msgType, Payload: json.RawMessage(payload), Timestamp: 1}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := &counter{}
	r.Subscribe("x", h)

	n := r.Dispatch(newEnvelope("x", `{"v":1}`))
	if n != 1 {
		t.Errorf("Dispatch() = %d, want 1", n)
	}
	if h.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", h.calls.Load())
	}
	if got := h.last.Load().(string); got != `{"v":1}` {
		t.Errorf("payload = %s, want {\"v\":1}", got)
	}
}

func TestRegistry_NoSubscribers(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := &counter{}
	r.Subscribe("x", h)

	if n := r.Dispatch(newEnvelope("y", `1`)); n != 0 {
		t.Errorf("Dispatch() = %d, want 0", n)
	}
	if h.calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", h.calls.Load())
	}
}

func TestRegistry_DuplicateSubscribeCollapses(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := &counter{}
	r.Subscribe("x", h)
	r.Subscribe("x", h)

	if r.Len("x") != 1 {
		t.Errorf("Len(x) = %d, want 1", r.Len("x"))
	}

	r.Dispatch(newEnvelope("x", `null`))
	if h.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", h.calls.Load())
	}
}

func TestRegistry_FuncIdentity(t *testing.T) {
	r := NewRegistry(nil, nil)
	var calls int
	fn := func(json.RawMessage) error { calls++; return nil }

	a := Func(fn)
	b := Func(fn)
	r.Subscribe("x", a)
	r.Subscribe("x", a)
	r.Subscribe("x", b)

	r.Dispatch(newEnvelope("x", `1`))
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one per distinct wrapper)", calls)
	}
}

func TestRegistry_HandlerIsolation(t *testing.T) {
	r := NewRegistry(nil, nil)

	second := &counter{}
	// Subscribe the failing handlers under several keys so ordering inside the
	// set cannot hide a short-circuit.
	r.Subscribe("x", Func(func(json.RawMessage) error { panic("boom") }))
	r.Subscribe("x", Func(func(json.RawMessage) error { return errors.New("handler error") }))
	r.Subscribe("x", second)

	n := r.Dispatch(newEnvelope("x", `{}`))
	if n != 3 {
		t.Errorf("Dispatch() = %d, want 3", n)
	}
	if second.calls.Load() != 1 {
		t.Errorf("second handler calls = %d, want 1", second.calls.Load())
	}
}

func TestRegistry_UnsubscribeTwice(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := &counter{}

	unsubscribe := r.Subscribe("y", h)
	unsubscribe()
	unsubscribe()

	r.Dispatch(newEnvelope("y", `1`))
	if h.calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", h.calls.Load())
	}
	if len(r.Types()) != 0 {
		t.Errorf("Types() = %v, want empty after prune", r.Types())
	}
}

func TestRegistry_UnsubscribeRemovesOnlyThatPair(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := &counter{}
	b := &counter{}

	unsubA := r.Subscribe("x", a)
	r.Subscribe("x", b)
	r.Subscribe("y", a)

	unsubA()

	r.Dispatch(newEnvelope("x", `1`))
	r.Dispatch(newEnvelope("y", `1`))

	if a.calls.Load() != 1 {
		t.Errorf("a calls = %d, want 1 (only via y)", a.calls.Load())
	}
	if b.calls.Load() != 1 {
		t.Errorf("b calls = %d, want 1", b.calls.Load())
	}
}

func TestRegistry_UnsubscribeUnknown(t *testing.T) {
	r := NewRegistry(nil, nil)

	// Neither should panic
	r.Unsubscribe("never", &counter{})
	r.Unsubscribe("never", nil)

	r.Subscribe("x", &counter{})
	r.Unsubscribe("x", &counter{})
	if r.Len("x") != 1 {
		t.Errorf("Len(x) = %d, want 1", r.Len("x"))
	}
}

func TestRegistry_PrunesEmptySets(t *testing.T) {
	r := NewRegistry(nil, nil)

	for i := 0; i < 100; i++ {
		unsub := r.Subscribe("churn", &counter{})
		unsub()
	}

	if got := r.Types(); len(got) != 0 {
		t.Errorf("Types() = %v, want empty", got)
	}
}

func TestRegistry_RejectsNonComparable(t *testing.T) {
	r := NewRegistry(nil, nil)

	unsub := r.Subscribe("x", sliceHandler{1, 2})
	unsub()
	r.Unsubscribe("x", sliceHandler{1})

	if r.Len("x") != 0 {
		t.Errorf("Len(x) = %d, want 0", r.Len("x"))
	}
	if n := r.Subscribe("x", nil); n == nil {
		t.Error("Subscribe(nil) returned nil unsubscribe func")
	}

	// Comparable type, unhashable dynamic value
	boxed := boxHandler{tag: []int{1}}
	unsub = r.Subscribe("x", boxed)
	unsub()
	r.Unsubscribe("x", boxed)

	if r.Len("x") != 0 {
		t.Errorf("Len(x) = %d after boxed slice handler, want 0", r.Len("x"))
	}

	// The same type with a hashable value is accepted.
	r.Subscribe("x", boxHandler{tag: 7})
	if r.Len("x") != 1 {
		t.Errorf("Len(x) = %d with hashable boxHandler, want 1", r.Len("x"))
	}
}

func TestRegistry_MutationDuringDispatch(t *testing.T) {
	r := NewRegistry(nil, nil)

	late := &counter{}
	var selfUnsub func()
	var selfCalls int
	self := Func(func(json.RawMessage) error {
		selfCalls++
		selfUnsub()
		r.Subscribe("x", late)
		return nil
	})
	selfUnsub = r.Subscribe("x", self)

	r.Dispatch(newEnvelope("x", `1`))
	if selfCalls != 1 {
		t.Fatalf("self calls = %d, want 1", selfCalls)
	}
	if late.calls.Load() != 0 {
		t.Errorf("late handler invoked during the dispatch it was added in")
	}

	r.Dispatch(newEnvelope("x", `2`))
	if selfCalls != 1 {
		t.Errorf("self calls = %d, want 1 after unsubscribing", selfCalls)
	}
	if late.calls.Load() != 1 {
		t.Errorf("late calls = %d, want 1", late.calls.Load())
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil, nil)
	stable := &counter{}
	r.Subscribe("x", stable)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				unsub := r.Subscribe("x", &counter{})
				unsub()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Dispatch(newEnvelope("x", `1`))
			}
		}()
	}
	wg.Wait()

	if got := stable.calls.Load(); got != 8*200 {
		t.Errorf("stable calls = %d, want %d", got, 8*200)
	}
	if r.Len("x") != 1 {
		t.Errorf("Len(x) = %d, want 1", r.Len("x"))
	}
}
