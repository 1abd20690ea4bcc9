package tasktest

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskbridge/internal/logging"
	"github.com/austindbirch/taskbridge/pkg/backend"
	"github.com/austindbirch/taskbridge/pkg/message"
	"github.com/austindbirch/taskbridge/pkg/task"
	"github.com/austindbirch/taskbridge/pkg/web"
)

func TestMain(m *testing.M) {
	logging.Default().SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newRegistry(t *testing.T) *web.Registry {
	t.Helper()
	reg := web.NewRegistry(nil)
	cfg := web.NewConfigurator(reg)
	task.SetConfig(cfg, task.Config{AppName: "tests", Testing: true})
	t.Cleanup(func() {
		if app, err := task.GetApp(reg); err == nil {
			_ = app.Close()
		}
	})
	return reg
}

func newQueue(t *testing.T, opts ...Option) (*task.App, *TasksQueue) {
	t.Helper()
	q, err := New(newRegistry(t), opts...)
	require.NoError(t, err)
	return q.App(), q
}

func noop(c *task.Call) (any, error) { return nil, nil }

func TestNew(t *testing.T) {
	reg := newRegistry(t)
	app, err := task.GetApp(reg)
	require.NoError(t, err)
	tk := app.Register("stale", noop)
	_, err = tk.Delay(context.Background())
	require.NoError(t, err)

	kept, err := New(reg, KeepExisting())
	require.NoError(t, err)
	assert.Equal(t, 1, kept.Len())
	assert.Equal(t, task.TestingQueue, kept.Name())

	cleared, err := New(reg)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared.Len())
	assert.Equal(t, 0, kept.Len(), "both views share the broker queue")
}

func TestNew_RequiresMemoryBroker(t *testing.T) {
	reg := web.NewRegistry(nil)
	app, err := task.NewApp(reg, task.TestingConfig("x"), nsqLike{})
	require.NoError(t, err)
	reg.Set(task.AppKey, app)

	_, err = New(reg)
	assert.ErrorIs(t, err, task.ErrNotMemoryBroker)
}

type nsqLike struct{}

func (nsqLike) Publish(context.Context, string, *message.Message) error { return nil }
func (nsqLike) Close() error { return nil }

func TestFirstTask_RequestIdentity(t *testing.T) {
	app, q := newQueue(t)
	reg := app.Registry()
	live := web.NewRequest(httptest.NewRequest("GET", "http://localhost/", nil), reg)

	var mismatches []string
	first := app.Register("tests.first_task", func(c *task.Call) (any, error) {
		req, err := c.Request()
		if err != nil {
			return nil, err
		}
		if c.CalledDirectly && req != live {
			mismatches = append(mismatches, "direct call got a different request")
		}
		if !c.CalledDirectly && req == live {
			mismatches = append(mismatches, "dispatched call got the live request")
		}
		return nil, nil
	})

	ctx, end := app.BeginRequest(context.Background(), live)
	defer end()

	_, err := first.Delay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.CountByName("tests.first_task"))
	_, err = q.RunAll(ctx, false)
	require.NoError(t, err)

	_, err = first.Call(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Equal(t, 0, q.Len())
}

func TestRetry_KeepsOneMessage(t *testing.T) {
	app, q := newQueue(t)
	runs := 0
	dontRetryAfter := 0
	first := app.Register("tests.first_task", func(c *task.Call) (any, error) {
		if dontRetryAfter == 0 || dontRetryAfter > runs {
			runs++
			return nil, c.Retry(task.RetryOptions{})
		}
		return "done", nil
	}, task.WithMaxRetries(100))
	ctx := context.Background()

	_, err := first.Delay(ctx)
	require.NoError(t, err)
	_, err = q.RunAll(ctx, false)
	var rerr *task.RetryError
	require.ErrorAs(t, err, &rerr, "a retry propagates unless ignored")
	assert.Equal(t, 1, q.CountByName("tests.first_task"), "the retry replaced the run message")
	assert.Equal(t, 1, runs)

	q.Clear()
	runs = 0
	dontRetryAfter = 3
	_, err = first.Delay(ctx)
	require.NoError(t, err)
	infos, err := q.RunAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, q.CountByName("tests.first_task"))
	assert.Equal(t, 3, runs)
	require.Len(t, infos, 3)
	for _, info := range infos {
		assert.True(t, info.IsRetry())
		assert.Equal(t, backend.StateRetry, info.State)
	}
}

func TestRunAll_Ordering(t *testing.T) {
	app, q := newQueue(t)
	var order []int
	one := app.Register("order_task_1", func(c *task.Call) (any, error) {
		order = append(order, 1)
		return nil, nil
	})
	two := app.Register("order_task_2", func(c *task.Call) (any, error) {
		order = append(order, 2)
		return nil, nil
	})
	master := app.Register("order_task_master", func(c *task.Call) (any, error) {
		order = append(order, 0)
		if _, err := one.Delay(c.Context()); err != nil {
			return nil, err
		}
		return two.Delay(c.Context())
	})
	ctx := context.Background()

	_, err := one.Delay(ctx)
	require.NoError(t, err)
	_, err = two.Delay(ctx)
	require.NoError(t, err)
	_, err = q.RunAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order)

	order = nil
	_, err = master.Delay(ctx)
	require.NoError(t, err)
	_, err = q.RunAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, q.Len())
}

type recorder struct {
	app  *task.App
	runs []string
}

func (r *recorder) register(name string) *task.Task {
	return r.app.Register(name, func(c *task.Call) (any, error) {
		label, _ := c.KwargString("label", name)
		r.runs = append(r.runs, label)
		return nil, nil
	})
}

func delay(t *testing.T, tk *task.Task, label string) {
	t.Helper()
	_, err := tk.ApplyAsync(context.Background(), nil, map[string]any{"label": label}, task.PublishOptions{})
	require.NoError(t, err)
}

func TestRunOldestAndNewest(t *testing.T) {
	app, q := newQueue(t)
	rec := &recorder{app: app}
	a, b := rec.register("A"), rec.register("B")
	ctx := context.Background()

	delay(t, a, "A1")
	delay(t, b, "B1")
	delay(t, a, "A2")

	info, ran, err := q.RunOldest(ctx, "B", false)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Nil(t, info)
	assert.Equal(t, []string{"B1"}, rec.runs)
	assert.Equal(t, []string{"A", "A"}, q.TaskNames())
	first, ok := q.At(0)
	require.True(t, ok)
	assert.Equal(t, "A1", first.Kwargs["label"], "relative order is kept")

	_, ran, err = q.RunOldest(ctx, "B", false)
	require.NoError(t, err)
	assert.False(t, ran, "no B left")

	_, ran, err = q.RunNewest(ctx, "", false)
	require.NoError(t, err)
	assert.True(t, ran)
	_, ran, err = q.RunOldest(ctx, "", false)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"B1", "A2", "A1"}, rec.runs)

	_, ran, err = q.RunNewest(ctx, "", false)
	require.NoError(t, err)
	assert.False(t, ran, "empty queue")
}

func TestRunNewest_ByName(t *testing.T) {
	app, q := newQueue(t)
	rec := &recorder{app: app}
	a, b := rec.register("A"), rec.register("B")

	delay(t, a, "A1")
	delay(t, a, "A2")
	delay(t, b, "B1")

	_, ran, err := q.RunNewest(context.Background(), "A", false)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"A2"}, rec.runs)
	assert.Equal(t, []string{"A", "B"}, q.TaskNames())
}

func TestRunByName_DrainsCascades(t *testing.T) {
	app, q := newQueue(t)
	const maxDepth = 3
	runs := 0
	var cascade *task.Task
	cascade = app.Register("cascade", func(c *task.Call) (any, error) {
		runs++
		depth, err := c.KwargInt("depth", 0)
		if err != nil {
			return nil, err
		}
		if depth < maxDepth {
			return cascade.ApplyAsync(c.Context(), nil, map[string]any{"depth": depth + 1}, task.PublishOptions{})
		}
		return nil, nil
	})
	other := app.Register("other", noop)
	ctx := context.Background()

	const n = 4
	for i := 0; i < n; i++ {
		_, err := cascade.Delay(ctx)
		require.NoError(t, err)
	}
	_, err := other.Delay(ctx)
	require.NoError(t, err)

	_, err = q.RunByName(ctx, "cascade", false)
	require.NoError(t, err)
	assert.Equal(t, n*(maxDepth+1), runs)
	assert.Equal(t, 0, q.CountByName("cascade"))
	assert.Equal(t, []string{"other"}, q.TaskNames(), "other tasks are left alone")
}

func TestDisabledTasks(t *testing.T) {
	app, q := newQueue(t, WithDisabledTasks("hidden"))
	rec := &recorder{app: app}
	hidden, shown := rec.register("hidden"), rec.register("shown")
	ctx := context.Background()

	delay(t, hidden, "H1")
	delay(t, shown, "S1")
	delay(t, hidden, "H2")
	delay(t, shown, "S2")

	assert.Equal(t, 2, q.Len())
	assert.False(t, q.Contains("hidden"))
	assert.Equal(t, 0, q.CountByName("hidden"))
	assert.Equal(t, []string{"shown", "shown"}, q.TaskNames())
	m, ok := q.At(0)
	require.True(t, ok)
	assert.Equal(t, "shown", m.Headers.Task)
	_, ok = q.At(2)
	assert.False(t, ok)

	_, ran, err := q.RunOldest(ctx, "hidden", false)
	require.NoError(t, err)
	assert.False(t, ran, "disabled tasks never run")

	_, err = q.RunAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, rec.runs)
	assert.Equal(t, 0, q.Len())

	mb, err := app.MemoryBroker()
	require.NoError(t, err)
	assert.Equal(t, 2, mb.Queue(task.TestingQueue).Len(), "disabled messages stay queued")

	_, ok = q.RemoveOldest()
	assert.False(t, ok, "nothing visible to remove")
	q.Clear()
	assert.Equal(t, 0, mb.Queue(task.TestingQueue).Len())
}

func TestRemoveOldestAndNewest(t *testing.T) {
	app, q := newQueue(t, WithDisabledTasks("hidden"))
	rec := &recorder{app: app}
	a, hidden := rec.register("A"), rec.register("hidden")

	delay(t, hidden, "H0")
	delay(t, a, "A1")
	delay(t, a, "A2")
	delay(t, a, "A3")
	delay(t, hidden, "H4")

	m, ok := q.RemoveOldest()
	require.True(t, ok)
	assert.Equal(t, "A1", m.Kwargs["label"])
	m, ok = q.RemoveNewest()
	require.True(t, ok)
	assert.Equal(t, "A3", m.Kwargs["label"])

	assert.Equal(t, []string{"A"}, q.TaskNames())
	assert.Empty(t, rec.runs, "removal never runs a task")
}

func TestErrorsPropagateUnlessIgnored(t *testing.T) {
	app, q := newQueue(t)
	boom := errors.New("boom")
	failing := app.Register("failing", func(c *task.Call) (any, error) { return nil, boom })
	ctx := context.Background()

	_, err := failing.Delay(ctx)
	require.NoError(t, err)
	_, _, err = q.RunOldest(ctx, "", false)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, q.Len(), "a failed message is not left in the queue")

	_, err = failing.Delay(ctx)
	require.NoError(t, err)
	info, ran, err := q.RunOldest(ctx, "", true)
	require.NoError(t, err)
	assert.True(t, ran)
	require.NotNil(t, info)
	assert.Equal(t, "failing", info.Task)
	assert.Equal(t, backend.StateFailure, info.State)
	assert.ErrorIs(t, info.Err, boom)
	assert.False(t, info.IsRetry())

	for i := 0; i < 2; i++ {
		_, err = failing.Delay(ctx)
		require.NoError(t, err)
	}
	infos, err := q.RunByName(ctx, "failing", true)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	assert.Equal(t, 0, app.Depth(), "no frames leak from failed runs")
}

func TestRunAll_StopsOnCanceledContext(t *testing.T) {
	app, q := newQueue(t)
	tk := app.Register("t", noop)
	_, err := tk.Delay(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.RunAll(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}
