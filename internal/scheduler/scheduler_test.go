package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/functions"
	"github.com/watzon/fngate/internal/value"
)

type call struct {
	function string
	args     *value.Object
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []call
	err   *apierror.Error
	block chan struct{}
}

func (f *fakeInvoker) Call(ctx context.Context, def *definition.Definition, args *value.Object) (value.Value, *apierror.Error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{function: def.Name, args: args})
	return value.Null(), f.err
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func loadTable(t *testing.T, manifest string) *functions.Table {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "report.js", "/**\n* @param {string} name\n*/\nmodule.exports = (name) => name;\n")
	writeFile(t, dir, "report.yaml", manifest)

	l, err := functions.NewLoader(functions.LoaderOptions{Dir: dir})
	require.NoError(t, err)
	table, err := l.Load()
	require.NoError(t, err)
	return table
}

const nightly = `
schedules:
  - name: nightly
    expression: "0 3 * * *"
    timezone: Europe/Berlin
    params:
      name: cron
`

func TestScheduler_SyncAndList(t *testing.T) {
	s := NewScheduler(&fakeInvoker{}, nil)
	require.NoError(t, s.Sync(loadTable(t, nightly)))

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "report:nightly", list[0].ID)
	assert.Equal(t, "report", list[0].Function)
	assert.Equal(t, "/report/", list[0].Route)
	assert.Equal(t, ScheduleTypeCron, list[0].Type)
	assert.Equal(t, "Europe/Berlin", list[0].Timezone)
	assert.Nil(t, list[0].LastRun)

	// a second sync replaces instead of accumulating
	require.NoError(t, s.Sync(loadTable(t, nightly)))
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_Trigger(t *testing.T) {
	inv := &fakeInvoker{}
	s := NewScheduler(inv, nil)
	require.NoError(t, s.Sync(loadTable(t, nightly)))

	require.NoError(t, s.Trigger(context.Background(), "report:nightly"))
	require.Equal(t, 1, inv.count())

	name, ok := inv.calls[0].args.Get("name")
	require.True(t, ok)
	assert.True(t, value.Equal(value.String("cron"), name))

	list := s.List()
	assert.Equal(t, StatusSuccess, list[0].LastStatus)
	assert.NotNil(t, list[0].LastRun)
}

func TestScheduler_TriggerFailure(t *testing.T) {
	inv := &fakeInvoker{err: apierror.New(apierror.KindRuntime, "boom")}
	s := NewScheduler(inv, nil)
	require.NoError(t, s.Sync(loadTable(t, nightly)))

	err := s.Trigger(context.Background(), "report:nightly")
	require.Error(t, err)

	list := s.List()
	assert.Equal(t, StatusFailed, list[0].LastStatus)
	assert.Contains(t, list[0].LastError, "boom")
}

func TestScheduler_TriggerUnknown(t *testing.T) {
	s := NewScheduler(&fakeInvoker{}, nil)
	err := s.Trigger(context.Background(), "missing:job")
	assert.ErrorIs(t, err, ErrUnknownSchedule)
}

func TestScheduler_SkipsWhileRunning(t *testing.T) {
	inv := &fakeInvoker{block: make(chan struct{})}
	s := NewScheduler(inv, nil)
	require.NoError(t, s.Sync(loadTable(t, nightly)))

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), "report:nightly") }()

	require.Eventually(t, func() bool { return s.List()[0].Running }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Trigger(context.Background(), "report:nightly"))
	assert.Equal(t, StatusSkipped, s.List()[0].LastStatus)

	close(inv.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, inv.count())
}

func TestScheduler_IntervalRuns(t *testing.T) {
	inv := &fakeInvoker{}
	s := NewScheduler(inv, &Config{Timeout: time.Second})
	require.NoError(t, s.Sync(loadTable(t, `
schedules:
  - name: tick
    type: interval
    expression: 1s
`)))

	s.Start()
	defer s.Stop()

	require.NotNil(t, s.List()[0].NextRun)
	require.Eventually(t, func() bool { return inv.count() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestCronParser_NextRun(t *testing.T) {
	p := NewCronParser()
	after := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	next, err := p.NextRun(&Schedule{Type: ScheduleTypeCron, Expression: "0 * * * *"}, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC), next.UTC())

	next, err = p.NextRun(&Schedule{Type: ScheduleTypeCron, Expression: "0 9 * * *", Timezone: "America/New_York"}, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC), next.UTC())

	next, err = p.NextRun(&Schedule{Type: ScheduleTypeInterval, Expression: "90s"}, after)
	require.NoError(t, err)
	assert.Equal(t, after.Add(90*time.Second), next)

	_, err = p.NextRun(&Schedule{Type: ScheduleTypeInterval, Expression: "10ms"}, after)
	assert.Error(t, err)

	_, err = p.NextRun(&Schedule{Type: ScheduleTypeCron, Expression: "60 * * * *"}, after)
	assert.Error(t, err)

	_, err = p.NextRun(&Schedule{Type: "one_time", Expression: "2024-01-01T00:00:00Z"}, after)
	assert.Error(t, err)
}
