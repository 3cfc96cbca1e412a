package connection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
)

func TestHandle(t *testing.T) {
	t.Run("push until full", func(t *testing.T) {
		h := NewHandle(1, "127.0.0.1:1", 2)
		assert.True(t, h.Push(model.Event{Type: model.EventPong}))
		assert.True(t, h.Push(model.Event{Type: model.EventPong}))
		assert.False(t, h.Push(model.Event{Type: model.EventPong}))
		assert.Equal(t, uint64(1), h.Dropped())
		assert.Len(t, h.Outbound(), 2)
	})

	t.Run("closed handle rejects", func(t *testing.T) {
		h := NewHandle(1, "", 0)
		h.Close()
		h.Close()
		assert.True(t, h.Closed())
		assert.False(t, h.Push(model.Event{}))

		select {
		case <-h.Done():
		default:
			t.Fatal("done not closed")
		}
	})

	t.Run("queued events survive close", func(t *testing.T) {
		h := NewHandle(1, "", 4)
		require.True(t, h.Push(model.Event{Type: model.EventGameEnded}))
		h.Close()
		ev := <-h.Outbound()
		assert.Equal(t, model.EventGameEnded, ev.Type)
	})

	t.Run("concurrent producers", func(t *testing.T) {
		h := NewHandle(1, "", 1000)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					h.Push(model.Event{Type: model.EventPong})
				}
			}()
		}
		wg.Wait()
		assert.Len(t, h.Outbound(), 1000)
	})
}

func TestHub(t *testing.T) {
	t.Run("publish reaches registered handles only", func(t *testing.T) {
		hub := NewHub(logger.NewNopLogger())
		a := NewHandle(1, "", 4)
		b := NewHandle(2, "", 4)
		hub.Register(a)
		hub.Register(b)

		hub.Publish([]model.ConnectionID{1, 2, 3}, model.Event{Type: model.EventMoveApplied})
		assert.Len(t, a.Outbound(), 1)
		assert.Len(t, b.Outbound(), 1)

		hub.Unregister(2)
		assert.True(t, b.Closed())
		hub.Publish([]model.ConnectionID{1, 2}, model.Event{Type: model.EventMoveApplied})
		assert.Len(t, a.Outbound(), 2)
		assert.Len(t, b.Outbound(), 1)
	})

	t.Run("overflow closes the slow consumer", func(t *testing.T) {
		hub := NewHub(logger.NewNopLogger())
		h := NewHandle(1, "", 1)
		hub.Register(h)

		assert.True(t, hub.Send(1, model.Event{}))
		assert.False(t, hub.Send(1, model.Event{}))
		assert.True(t, h.Closed())
		assert.False(t, hub.Send(1, model.Event{}))
		assert.Equal(t, uint64(1), hub.Stats().SlowConsumers)
	})

	t.Run("stats", func(t *testing.T) {
		hub := NewHub(logger.NewNopLogger())
		for i := 1; i <= 3; i++ {
			hub.Register(NewHandle(model.ConnectionID(i), "", 1))
		}
		hub.Unregister(1)
		hub.Unregister(1)

		stats := hub.Stats()
		assert.Equal(t, int64(2), stats.Current)
		assert.Equal(t, int64(3), stats.Peak)
		assert.Equal(t, uint64(3), stats.Total)
		assert.Equal(t, 2, hub.Len())

		_, ok := hub.Get(2)
		assert.True(t, ok)
		_, ok = hub.Get(1)
		assert.False(t, ok)
	})

	t.Run("register replaces and closes the old handle", func(t *testing.T) {
		hub := NewHub(logger.NewNopLogger())
		old := NewHandle(1, "", 1)
		fresh := NewHandle(1, "", 1)
		hub.Register(old)
		hub.Register(fresh)

		assert.True(t, old.Closed())
		assert.False(t, fresh.Closed())
		got, ok := hub.Get(1)
		require.True(t, ok)
		assert.Same(t, fresh, got)
		assert.Equal(t, int64(1), hub.Stats().Current)
	})

	t.Run("close all", func(t *testing.T) {
		hub := NewHub(logger.NewNopLogger())
		a := NewHandle(1, "", 1)
		b := NewHandle(2, "", 1)
		hub.Register(a)
		hub.Register(b)

		hub.CloseAll()
		assert.True(t, a.Closed())
		assert.True(t, b.Closed())
		assert.Equal(t, 2, hub.Len())
	})
}
