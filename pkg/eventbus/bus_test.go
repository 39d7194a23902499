package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPing struct{ N int }

func (testPing) Name() string { return "testPing" }

type testPong struct{ N int }

func (testPong) Name() string { return "testPong" }

func TestSubscribeDispatchesInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []string
	Subscribe(b, func(e testPing) { order = append(order, "first") })
	Subscribe(b, func(e testPing) { order = append(order, "second") })
	Subscribe(b, func(e testPing) { order = append(order, "third") })

	b.Publish(testPing{N: 1})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDispatchKeysOnConcreteType(t *testing.T) {
	b := New(nil)
	var pings, pongs int
	Subscribe(b, func(e testPing) { pings++ })
	Subscribe(b, func(e testPong) { pongs++ })

	b.Publish(testPing{N: 1})

	assert.Equal(t, 1, pings)
	assert.Equal(t, 0, pongs)
}

func TestMiddlewareCanSuppressDispatch(t *testing.T) {
	b := New(nil)
	var delivered bool
	Subscribe(b, func(e testPing) { delivered = true })
	b.Use(func(e Event) (Event, bool) { return e, false })

	b.Publish(testPing{N: 1})

	assert.False(t, delivered)
}

func TestMiddlewareCanTransformEvent(t *testing.T) {
	b := New(nil)
	var seen int
	Subscribe(b, func(e testPing) { seen = e.N })
	b.Use(func(e Event) (Event, bool) {
		if p, ok := e.(testPing); ok {
			p.N *= 10
			return p, true
		}
		return e, true
	})

	b.Publish(testPing{N: 3})

	assert.Equal(t, 30, seen)
}

func TestMiddlewareChainRunsInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var seen int
	Subscribe(b, func(e testPing) { seen = e.N })
	b.Use(func(e Event) (Event, bool) {
		p := e.(testPing)
		p.N += 1
		return p, true
	})
	b.Use(func(e Event) (Event, bool) {
		p := e.(testPing)
		p.N *= 2
		return p, true
	})

	b.Publish(testPing{N: 1})

	// (1 + 1) * 2 = 4, confirming the first middleware ran before the second.
	assert.Equal(t, 4, seen)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	b := New(nil)
	var secondRan bool
	Subscribe(b, func(e testPing) { panic("boom") })
	Subscribe(b, func(e testPing) { secondRan = true })

	require.NotPanics(t, func() { b.Publish(testPing{N: 1}) })
	assert.True(t, secondRan)
}

func TestNoSubscribersIsANoop(t *testing.T) {
	b := New(nil)
	require.NotPanics(t, func() { b.Publish(testPong{N: 1}) })
}
