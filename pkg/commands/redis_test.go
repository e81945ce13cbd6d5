package commands

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/observability"
)

func newBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewRedisBus(client, logger), client
}

func TestCommandExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cmd  Command
		want bool
	}{
		{"fresh", Command{TTLSeconds: 60, CreatedAt: now}, false},
		{"expired", Command{TTLSeconds: 1, CreatedAt: now.Add(-2 * time.Second)}, true},
		{"no ttl never expires", Command{TTLSeconds: 0, CreatedAt: now.Add(-time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.Expired(now))
		})
	}
}

func TestCommandHasTag(t *testing.T) {
	cmd := Command{Tags: []Tag{TagDataToIndex}}
	assert.True(t, cmd.HasTag(TagDataToIndex))
	assert.False(t, cmd.HasTag("OTHER"))
}

func TestSendAndListen(t *testing.T) {
	bus, _ := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Command, 1)
	listening := make(chan struct{})
	go func() {
		close(listening)
		_ = bus.Listen(ctx, RecipientManagementAPIs, func(ctx context.Context, cmd *Command) {
			received <- cmd
		})
	}()
	<-listening
	// Give the subscription a moment to be established.
	time.Sleep(100 * time.Millisecond)

	sent := &Command{
		ID:         "cmd-1",
		Tags:       []Tag{TagDataToIndex},
		To:         RecipientManagementAPIs,
		TTLSeconds: 60,
		Content:    `{"action":"I","id":"api-1","kind":"api"}`,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, bus.Send(ctx, sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, sent.Content, got.Content)
		assert.True(t, got.HasTag(TagDataToIndex))
	case <-time.After(3 * time.Second):
		t.Fatal("expected to receive the command")
	}
}

func TestListenDropsExpiredCommands(t *testing.T) {
	bus, _ := newBus(t)
	bus.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Command, 1)
	go func() {
		_ = bus.Listen(ctx, RecipientManagementAPIs, func(ctx context.Context, cmd *Command) {
			received <- cmd
		})
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Send(ctx, &Command{
		ID:         "stale",
		To:         RecipientManagementAPIs,
		TTLSeconds: 60,
		CreatedAt:  time.Now(),
	}))

	select {
	case cmd := <-received:
		t.Fatalf("expected the expired command to be dropped, got %s", cmd.ID)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestListenStopsOnCancel(t *testing.T) {
	bus, _ := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- bus.Listen(ctx, RecipientManagementAPIs, func(ctx context.Context, cmd *Command) {})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("expected Listen to return after cancel")
	}
}
