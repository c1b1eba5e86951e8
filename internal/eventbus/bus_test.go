package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	at := time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC)
	Publish(b, JobScheduled, at, "payload")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, JobScheduled, e.Type)
			assert.Equal(t, at, e.Time)
			assert.Equal(t, "payload", e.Data)
		default:
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobRetry})
	b.Publish(Event{Type: JobAbandoned})
	assert.Equal(t, uint64(1), Dropped(b))

	e := <-ch
	assert.Equal(t, JobRetry, e.Type)
	assert.False(t, e.Time.IsZero(), "publish stamps the time")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	// publishing after unsubscribe is a no-op
	b.Publish(Event{Type: ClockSkew})
	Publish(nil, ClockSkew, time.Time{}, nil)
}
