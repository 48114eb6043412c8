package reload_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instill-ai/mnist-backend/pkg/reload"
)

const channel = "mnist:model:reload"

func TestBus(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	rc := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer rc.Close()

	self := reload.NewBus(rc, channel)
	other := reload.NewBus(rc, channel)
	require.NotEqual(t, self.InstanceID(), other.InstanceID())

	var mu sync.Mutex
	var got []reload.Message
	received := func() []reload.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]reload.Message(nil), got...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- self.Run(ctx, func(_ context.Context, msg reload.Message) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		})
	}()

	// own messages are ignored, messages of other replicas are delivered
	require.Eventually(t, func() bool {
		_ = self.Publish(ctx, "admin")
		_ = other.Publish(ctx, "admin")
		return len(received()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	for _, msg := range received() {
		assert.Equal(t, other.InstanceID(), msg.Origin)
		assert.Equal(t, "admin", msg.Reason)
		assert.False(t, msg.RequestedAt.IsZero())
	}

	// malformed payloads are skipped
	require.NoError(t, rc.Publish(ctx, channel, "{").Err())
	n := len(received())
	require.NoError(t, other.Publish(ctx, "again"))
	require.Eventually(t, func() bool { return len(received()) > n }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop")
	}
}
