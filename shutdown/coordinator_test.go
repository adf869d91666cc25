package shutdown

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralCoder007/aws-a2a/errors"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) handler(name string) ShutdownFunc {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return nil
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestPhasesRunInOrder(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.Register("store", PhaseStorage, rec.handler("store"))
	c.Register("agent", PhaseIntake, rec.handler("agent"))
	c.Register("bus", PhaseTransport, rec.handler("bus"))
	c.Register("monitor", PhaseWorkers, rec.handler("monitor"))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"agent", "monitor", "bus", "store"}, rec.names())

	report := c.Report()
	require.NotNil(t, report)
	assert.Len(t, report.Results, 4)
	assert.Empty(t, report.Failed())
	assert.Empty(t, report.Skipped)
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	c := NewCoordinator()
	release := make(chan struct{})
	var started atomic.Int32
	for _, name := range []string{"a", "b"} {
		c.RegisterFunc(name, PhaseIntake, func(ctx context.Context) error {
			if started.Add(1) == 2 {
				close(release)
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	require.NoError(t, c.ShutdownWithTimeout(time.Second))
}

func TestFailureIsReportedAndLaterPhasesRun(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.RegisterFunc("agent", PhaseIntake, func(context.Context) error { return stderrors.New("deregister failed") })
	c.Register("store", PhaseStorage, rec.handler("store"))

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))
	assert.Equal(t, []string{"agent: deregister failed"}, errors.Violations(err))
	assert.Equal(t, []string{"store"}, rec.names())
	assert.Equal(t, []string{"agent"}, c.Report().Failed())
}

func TestStopOnErrorSkipsLaterPhases(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(WithStopOnError())
	c.RegisterFunc("agent", PhaseIntake, func(context.Context) error { return stderrors.New("boom") })
	c.Register("store", PhaseStorage, rec.handler("store"))

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Empty(t, rec.names())
	assert.Equal(t, []string{"store"}, c.Report().Skipped)
}

func TestPanicCountsAsFailure(t *testing.T) {
	c := NewCoordinator()
	c.RegisterFunc("bad", PhaseWorkers, func(context.Context) error { panic("kaboom") })

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	require.Len(t, c.Report().Results, 1)
	assert.True(t, errors.Is(c.Report().Results[0].Err, errors.ErrCodePanic))
}

func TestDeadlineSkipsRemainingPhases(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator()
	c.RegisterFunc("slow", PhaseIntake, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.Register("store", PhaseStorage, rec.handler("store"))

	err := c.ShutdownWithTimeout(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
	assert.Empty(t, rec.names())
	assert.Equal(t, []string{"store"}, c.Report().Skipped)
}

func TestShutdownRunsOnce(t *testing.T) {
	var calls atomic.Int32
	c := NewCoordinator()
	c.RegisterFunc("count", PhaseIntake, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed")
	}
	assert.NoError(t, c.Err())
}

func TestErrAndReportBeforeShutdown(t *testing.T) {
	c := NewCoordinator()
	assert.NoError(t, c.Err())
	assert.Nil(t, c.Report())
}

func TestCloser(t *testing.T) {
	closed := false
	h := Closer(func() error {
		closed = true
		return nil
	})
	require.NoError(t, h.OnShutdown(context.Background()))
	assert.True(t, closed)
}

func TestHandleSignalsContextEndsWithShutdown(t *testing.T) {
	c := NewCoordinator()
	ctx := c.HandleSignals(context.Background())
	require.NoError(t, c.Shutdown(context.Background()))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("signal context should end once shutdown is done")
	}
}
