package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spacebot/core"
)

var (
	_ core.Outbound = Func(nil)
	_ core.Outbound = (*Recorder)(nil)
	_ core.Outbound = (*Async)(nil)
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	go func() {
		_ = r.Send(ctx, "c1", "hello")
		_ = r.Send(ctx, "c2", "other")
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	msgs, err := r.WaitFor(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, []string{"hello"}, r.For("c1"))
}

func TestRecorder_WaitForTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := NewRecorder().WaitFor(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsync_DeliversInOrderAndReportsFailures(t *testing.T) {
	rec := NewRecorder()
	var (
		mu     sync.Mutex
		failed []core.ChannelID
	)

	next := Func(func(ctx context.Context, channelID core.ChannelID, content string) error {
		if channelID == "broken" {
			return errors.New("platform down")
		}
		return rec.Send(ctx, channelID, content)
	})

	a := NewAsync(next, func(o *AsyncOptions) {
		o.OnError = func(channelID core.ChannelID, _ error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, channelID)
		}
	})

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, "c1", "one"))
	require.NoError(t, a.Send(ctx, "broken", "lost"))
	require.NoError(t, a.Send(ctx, "c1", "two"))
	require.NoError(t, a.Close(ctx))

	assert.Equal(t, []string{"one", "two"}, rec.For("c1"))
	mu.Lock()
	assert.Equal(t, []core.ChannelID{"broken"}, failed)
	mu.Unlock()

	assert.ErrorIs(t, a.Send(ctx, "c1", "late"), ErrClosed)
	assert.NoError(t, a.Close(ctx))
}
