package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHomeRunsJobsInOrder(t *testing.T) {
	h := NewHome()
	defer h.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, h.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, h.Do(context.Background(), nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestHomeDoReturnsError(t *testing.T) {
	h := NewHome()
	defer h.Close()

	boom := errors.New("boom")
	assert.ErrorIs(t, h.Do(context.Background(), func() error { return boom }), boom)
}

func TestHomeDoHonoursContext(t *testing.T) {
	h := NewHome()
	defer h.Close()

	release := make(chan struct{})
	h.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Do(ctx, nil), context.DeadlineExceeded)
}

func TestHomeCloseDrainsQueue(t *testing.T) {
	h := NewHome()

	ran := 0
	for i := 0; i < 10; i++ {
		h.Post(func() { ran++ })
	}
	h.Close()
	assert.Equal(t, 10, ran)
	assert.Equal(t, 0, h.Pending())

	assert.False(t, h.Post(func() {}))
	assert.ErrorIs(t, h.Do(context.Background(), nil), ErrHomeClosed)
	h.Close()
}

func TestBusPublishesInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe(func(Event) { got = append(got, "first") })
	unsubscribe := b.Subscribe(func(Event) { got = append(got, "second") })
	b.Subscribe(func(Event) { got = append(got, "third") })

	b.Publish(Event{Type: EventDeviceAdded})
	assert.Equal(t, []string{"first", "second", "third"}, got)

	unsubscribe()
	unsubscribe()
	got = nil
	b.Publish(Event{Type: EventDeviceAdded})
	assert.Equal(t, []string{"first", "third"}, got)
	assert.Equal(t, 2, b.Len())

	b.Close()
	assert.Equal(t, 0, b.Len())
	got = nil
	b.Publish(Event{Type: EventDeviceAdded})
	assert.Empty(t, got)
	b.Subscribe(func(Event) { got = append(got, "late") })
	b.Publish(Event{Type: EventDeviceAdded})
	assert.Empty(t, got)
}
