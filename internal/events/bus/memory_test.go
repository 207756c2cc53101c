package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect() (Handler, func() []Event) {
	var mu sync.Mutex
	var got []Event
	h := func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}
	return h, func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(got))
		copy(out, got)
		return out
	}
}

func TestMemoryBusFiltering(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	hAll, gotAll := collect()
	_, err := b.Subscribe("alpha:*", hAll)
	require.NoError(t, err)

	hOne, gotOne := collect()
	_, err = b.Subscribe("alpha:sess-1", hOne)
	require.NoError(t, err)

	hOther, gotOther := collect()
	_, err = b.Subscribe("beta:*", hOther)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, Event{Type: TypeResult, AgentID: "alpha", SessionID: "sess-1"}))
	require.NoError(t, b.Publish(ctx, Event{Type: TypeProcessExit, AgentID: "alpha", SessionID: "sess-2"}))

	require.Eventually(t, func() bool { return len(gotAll()) == 2 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(gotOne()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, TypeResult, gotOne()[0].Type)
	assert.Empty(t, gotOther())
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	h, got := collect()
	sub, err := b.Subscribe("alpha:*", h)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe(), "double unsubscribe is safe")

	require.NoError(t, b.Publish(context.Background(), Event{Type: TypeResult, AgentID: "alpha"}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got())
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("alpha:*"))
	assert.NoError(t, ValidateFilter("alpha:sess-1"))
	assert.Error(t, ValidateFilter("alpha"))
	assert.Error(t, ValidateFilter(":sess"))
	assert.Error(t, ValidateFilter("alpha:"))
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemory(nil)
	h, _ := collect()
	_, err := b.Subscribe("alpha:*", h)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.NoError(t, b.Publish(context.Background(), Event{AgentID: "alpha"}))
}
