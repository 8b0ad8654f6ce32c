package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateTaskTerminalStatusIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	task, err := store.CreateTask(ctx, &Task{
		Token: "tok-1", UserID: "user-1", Status: TaskStatusRunning,
	})
	require.NoError(t, err)

	stopped := TaskStatusStopped
	require.NoError(t, store.UpdateTask(ctx, task.ID, &TaskUpdate{Status: &stopped}))

	// A late progress flush must not pull the row back to running; its other
	// fields still apply.
	running := TaskStatusRunning
	progress := 42
	require.NoError(t, store.UpdateTask(ctx, task.ID, &TaskUpdate{Status: &running, Progress: &progress}))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusStopped, got.Status)
	assert.Equal(t, 42, got.Progress)

	// A finalize carrying the same terminal status keeps it.
	completed := TaskStatusCompleted
	require.NoError(t, store.UpdateTask(ctx, task.ID, &TaskUpdate{Status: &completed}))
	got, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusStopped, got.Status)
}
