package project

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/flotilla/internal/core/compose"
)

func TestCollector(t *testing.T) {
	boom := errors.New("boom")
	fatal := compose.NewConfigurationError("volumes.data", "bad driver", compose.ErrInvalidDriver)

	tests := []struct {
		name     string
		add      func(c *collector)
		wantNil  bool
		wantFail int
		wantErr  error
	}{
		{
			name:    "empty",
			add:     func(c *collector) {},
			wantNil: true,
		},
		{
			name:    "nil errors are ignored",
			add:     func(c *collector) { c.add("web", "p_web_1", nil) },
			wantNil: true,
		},
		{
			name: "failures are collected",
			add: func(c *collector) {
				c.add("web", "p_web_1", boom)
				c.add("db", "p_db_1", boom)
			},
			wantFail: 2,
		},
		{
			name: "nested operation errors are merged",
			add: func(c *collector) {
				c.add("web", "", &OperationError{Op: "start", Failures: []Failure{
					{Service: "web", Container: "p_web_1", Err: boom},
					{Service: "web", Container: "p_web_2", Err: boom},
				}})
				c.add("db", "p_db_1", boom)
			},
			wantFail: 3,
		},
		{
			name: "fatal error wins",
			add: func(c *collector) {
				c.add("web", "p_web_1", boom)
				c.add("db", "", fatal)
			},
			wantErr: fatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollector("up")
			tt.add(c)
			err := c.err()

			switch {
			case tt.wantNil:
				assert.NoError(t, err)
			case tt.wantErr != nil:
				assert.Same(t, tt.wantErr, err)
			default:
				var opErr *OperationError
				require.True(t, errors.As(err, &opErr))
				assert.Len(t, opErr.Failures, tt.wantFail)
				assert.True(t, errors.Is(err, boom))
			}
		})
	}
}

func TestOperationError_Message(t *testing.T) {
	err := &OperationError{Op: "stop", Failures: []Failure{
		{Service: "web", Container: "p_web_1", Err: errors.New("timeout")},
	}}
	assert.Equal(t, "stop: 1 container failed: p_web_1: timeout", err.Error())

	err.Failures = append(err.Failures, Failure{Service: "db", Err: errors.New("list failed")})
	assert.Equal(t, "stop: 2 containers failed: p_web_1: timeout; service db: list failed", err.Error())
	assert.Equal(t, []string{"web", "db"}, err.Services())
}

func TestRunTasks_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	tasks := make([]task, 20)
	for i := range tasks {
		tasks[i] = task{service: "web", run: func(ctx context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}

	c := newCollector("test")
	require.NoError(t, runTasks(context.Background(), 3, tasks, c))
	assert.NoError(t, c.err())
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestRunTasks_FailureDoesNotCancelSiblings(t *testing.T) {
	var ran atomic.Int32
	tasks := []task{
		{service: "a", container: "a_1", run: func(context.Context) error { ran.Add(1); return errors.New("boom") }},
		{service: "b", container: "b_1", run: func(context.Context) error { ran.Add(1); return nil }},
		{service: "c", container: "c_1", run: func(context.Context) error { ran.Add(1); return nil }},
	}

	c := newCollector("test")
	require.NoError(t, runTasks(context.Background(), 1, tasks, c))
	assert.Equal(t, int32(3), ran.Load())

	var opErr *OperationError
	require.True(t, errors.As(c.err(), &opErr))
	assert.Equal(t, "a_1", opErr.Failures[0].Container)
}

func TestRunTasks_StopsIssuingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	tasks := []task{
		{run: func(context.Context) error { ran.Add(1); cancel(); return nil }},
		{run: func(context.Context) error { ran.Add(1); return nil }},
		{run: func(context.Context) error { ran.Add(1); return nil }},
	}

	err := runTasks(ctx, 1, tasks, newCollector("test"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, ran.Load(), int32(3))
}
