package crosstab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) add(msg []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, string(msg))
}

func (i *inbox) get() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

func TestHub_BroadcastSkipsPublisher(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(HubConfig{})
	defer hub.Close()

	a, err := hub.Open("session")
	require.NoError(t, err)
	b, err := hub.Open("session")
	require.NoError(t, err)
	other, err := hub.Open("elsewhere")
	require.NoError(t, err)

	var ia, ib, io inbox
	a.Subscribe(ia.add)
	b.Subscribe(ib.add)
	other.Subscribe(io.add)

	require.NoError(t, a.Publish(context.Background(), []byte("one")))
	require.NoError(t, a.Publish(context.Background(), []byte("two")))

	require.Eventually(t, func() bool { return len(ib.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, ib.get())
	assert.Empty(t, ia.get())
	assert.Empty(t, io.get())
}

func TestHub_ClosedEndpoint(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(HubConfig{})
	a, err := hub.Open("session")
	require.NoError(t, err)
	b, err := hub.Open("session")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), []byte("x")), ErrChannelClosed)
	assert.NoError(t, a.Publish(context.Background(), []byte("nobody listens")))

	require.NoError(t, hub.Close())
	_, err = hub.Open("session")
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestHub_NonBlockingDrops(t *testing.T) {
	var (
		mu      sync.Mutex
		dropped int
	)
	hub := NewHub(HubConfig{
		BufferSize:  1,
		NonBlocking: true,
		OnDrop: func(string) {
			mu.Lock()
			dropped++
			mu.Unlock()
		},
	})
	defer hub.Close()

	a, err := hub.Open("session")
	require.NoError(t, err)
	b, err := hub.Open("session")
	require.NoError(t, err)

	release := make(chan struct{})
	b.Subscribe(func([]byte) { <-release })

	for range 5 {
		require.NoError(t, a.Publish(context.Background(), []byte("x")))
	}
	close(release)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, dropped)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(HubConfig{})
	defer hub.Close()

	a, _ := hub.Open("session")
	b, _ := hub.Open("session")

	var first, second inbox
	unsubscribe := b.Subscribe(first.add)
	b.Subscribe(second.add)
	unsubscribe()
	unsubscribe()

	require.NoError(t, a.Publish(context.Background(), []byte("x")))
	require.Eventually(t, func() bool { return len(second.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, first.get())
}
