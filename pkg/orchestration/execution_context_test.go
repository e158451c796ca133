package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionContext_TeardownReverseOrderOnce(t *testing.T) {
	logger, _ := newTestLogger()
	ec := NewExecutionContext("t1", logger)

	var mu sync.Mutex
	var released []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			released = append(released, name)
			mu.Unlock()
			return nil
		}
	}

	assert.Equal(t, 1, ec.BeginAttempt())
	assert.True(t, ec.HoldWorkspace(&Workspace{Path: "/tmp/ws"}, record("workspace")))
	assert.True(t, ec.HoldExecutor(&ExecutorHandle{ID: "c1"}, record("executor")))
	assert.True(t, ec.HoldChannel(record("channel")))
	assert.Equal(t, "/tmp/ws", ec.Workspace().Path)
	assert.Equal(t, "c1", ec.Executor().ID)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec.Teardown(context.Background())
		}()
	}
	wg.Wait()
	ec.Teardown(context.Background())

	assert.Equal(t, []string{"channel", "executor", "workspace"}, released)
}

func TestExecutionContext_AbortReleasesLateAcquisitions(t *testing.T) {
	logger, hook := newTestLogger()
	ec := NewExecutionContext("t1", logger)

	var count int
	ec.HoldWorkspace(&Workspace{}, func(context.Context) error {
		count++
		return errors.New("worktree locked")
	})
	ec.Abort(context.Background())
	assert.True(t, ec.Aborted())
	assert.Equal(t, 1, count)
	assert.Equal(t, "teardown failed", hook.LastEntry().Message)

	held := ec.HoldExecutor(&ExecutorHandle{ID: "late"}, func(context.Context) error {
		count++
		return nil
	})
	assert.False(t, held)
	assert.Equal(t, 2, count)

	ec.Teardown(context.Background())
	assert.Equal(t, 2, count)
}

func TestExecutionContext_BeginAttemptClearsHandles(t *testing.T) {
	ec := NewExecutionContext("t1", nil)
	ec.BeginAttempt()
	ec.HoldWorkspace(&Workspace{Path: "a"}, nil)
	ec.Teardown(context.Background())

	assert.Equal(t, 2, ec.BeginAttempt())
	assert.Nil(t, ec.Workspace())
	assert.Equal(t, 2, ec.Attempt())
}
