package task

import (
	"context"
	"testing"
	"time"

	"github.com/niva-ai/niva-voice-service/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, got <-chan SessionTask) (SessionTask, bool) {
	t.Helper()
	select {
	case task := <-got:
		return task, true
	case <-time.After(200 * time.Millisecond):
		return SessionTask{}, false
	}
}

func TestRedisBusDeliversAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := redis.NewMemoryService()
	publisher := NewRedisBus(shared, "pod-a")
	subscriber := NewRedisBus(shared, "pod-b")

	got := make(chan SessionTask, 1)
	require.NoError(t, subscriber.Subscribe(ctx, func(task SessionTask) { got <- task }))
	require.NoError(t, publisher.Publish(ctx, SessionTask{Type: TaskTypePostCallKick, SessionID: "s1", Reason: "recording_ready"}))

	task, ok := receive(t, got)
	require.True(t, ok, "task not delivered")
	assert.Equal(t, TaskTypePostCallKick, task.Type)
	assert.Equal(t, "s1", task.SessionID)
	assert.Equal(t, "pod-a", task.Origin)
	assert.False(t, task.IssuedAt.IsZero())
}

func TestRedisBusDropsStaleAndIncompleteTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewRedisBus(redis.NewMemoryService(), "pod-a")
	got := make(chan SessionTask, 4)
	require.NoError(t, bus.Subscribe(ctx, func(task SessionTask) { got <- task }))

	require.NoError(t, bus.Publish(ctx, SessionTask{Type: TaskTypePostCallKick}))
	require.NoError(t, bus.Publish(ctx, SessionTask{
		Type:      TaskTypePostCallKick,
		SessionID: "old",
		IssuedAt:  time.Now().Add(-2 * maxTaskAge),
	}))

	_, ok := receive(t, got)
	assert.False(t, ok)
}

func TestSessionTaskTarget(t *testing.T) {
	broadcast := SessionTask{Type: TaskTypePostCallDone, SessionID: "s1"}
	assert.True(t, broadcast.For("pod-a"))
	assert.True(t, broadcast.For("pod-b"))

	targeted := SessionTask{Type: TaskTypePostCallKick, SessionID: "s1", Target: "pod-a"}
	assert.True(t, targeted.For("pod-a"))
	assert.False(t, targeted.For("pod-b"))
}
