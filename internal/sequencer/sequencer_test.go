package sequencer

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/supervisor"
)

// fakeProcs records calls in the order they happen.
type fakeProcs struct {
	mu       sync.Mutex
	running  map[string]bool
	gates    map[string]chan struct{} // WaitReady blocks until closed
	hang     map[string]bool          // Stop blocks until ctx ends
	startErr map[string]error
	calls    []string
}

func newFakeProcs(running ...string) *fakeProcs {
	f := &fakeProcs{
		running:  make(map[string]bool),
		gates:    make(map[string]chan struct{}),
		hang:     make(map[string]bool),
		startErr: make(map[string]error),
	}
	for _, id := range running {
		f.running[id] = true
	}
	return f
}

func (f *fakeProcs) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeProcs) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeProcs) Start(_ context.Context, id string, _ []string) error {
	f.record("start:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[id]; err != nil {
		return err
	}
	f.running[id] = true
	return nil
}

func (f *fakeProcs) Stop(ctx context.Context, id string, _ bool) error {
	f.record("stop:" + id)
	f.mu.Lock()
	hang := f.hang[id]
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	delete(f.running, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeProcs) WaitReady(ctx context.Context, id string) error {
	f.mu.Lock()
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !f.IsRunning(id) {
		return supervisor.ErrExited
	}
	return nil
}

func (f *fakeProcs) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeProcs) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *fakeProcs) ForceKillAll() []string {
	ids := f.Running()
	f.record("killall")
	f.mu.Lock()
	clear(f.running)
	f.mu.Unlock()
	return ids
}

func (f *fakeProcs) WaitExited(context.Context) error { return nil }

type fakeDownloads struct{ procs *fakeProcs }

func (d fakeDownloads) PauseAll() []string {
	d.procs.record("pause-downloads")
	return []string{"alpha"}
}

// testGraph: gamma needs alpha and beta, delta needs gamma.
func testGraph(t *testing.T) *chain.Graph {
	t.Helper()
	g, err := chain.NewGraph(map[string][]string{
		"alpha": nil,
		"beta":  nil,
		"gamma": {"alpha", "beta"},
		"delta": {"gamma"},
	})
	require.NoError(t, err)
	return g
}

func indexOf(t *testing.T, calls []string, call string) int {
	t.Helper()
	i := slices.Index(calls, call)
	require.NotEqual(t, -1, i, "%s missing from %v", call, calls)
	return i
}

func TestStartAllWaitsForDependencies(t *testing.T) {
	procs := newFakeProcs()
	gate := make(chan struct{})
	procs.gates["alpha"] = gate
	seq := New(testGraph(t), procs, nil, Config{})

	result := make(chan error, 1)
	go func() {
		result <- seq.StartAll(context.Background(), []string{"delta", "gamma", "beta", "alpha"}, nil)
	}()

	require.Eventually(t, func() bool {
		calls := procs.Calls()
		return slices.Contains(calls, "start:alpha") && slices.Contains(calls, "start:beta")
	}, 2*time.Second, 5*time.Millisecond)

	// alpha is spawned but not ready, so gamma must not spawn yet.
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, procs.Calls(), "start:gamma")

	close(gate)
	require.NoError(t, <-result)

	calls := procs.Calls()
	assert.Greater(t, indexOf(t, calls, "start:gamma"), indexOf(t, calls, "start:alpha"))
	assert.Greater(t, indexOf(t, calls, "start:gamma"), indexOf(t, calls, "start:beta"))
	assert.Greater(t, indexOf(t, calls, "start:delta"), indexOf(t, calls, "start:gamma"))
}

func TestStartAllMissingDependencyOutsideGroup(t *testing.T) {
	g, err := chain.NewGraph(map[string][]string{"alpha": nil, "bravo": {"alpha"}})
	require.NoError(t, err)
	procs := newFakeProcs()
	seq := New(g, procs, nil, Config{})

	err = seq.StartAll(context.Background(), []string{"bravo"}, nil)
	var de *supervisor.DependencyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "missing dependency: alpha", err.Error())
	assert.Empty(t, procs.Calls(), "nothing spawned")

	require.NoError(t, seq.StartAll(context.Background(), []string{"alpha"}, nil))
	require.NoError(t, seq.StartAll(context.Background(), []string{"bravo"}, nil))
	assert.Equal(t, []string{"start:alpha", "start:bravo"}, procs.Calls())
}

func TestStartAllWaitsForStartingDependencyOutsideGroup(t *testing.T) {
	g, err := chain.NewGraph(map[string][]string{"alpha": nil, "bravo": {"alpha"}})
	require.NoError(t, err)
	// alpha has a process but is not ready yet.
	procs := newFakeProcs("alpha")
	gate := make(chan struct{})
	procs.gates["alpha"] = gate
	seq := New(g, procs, nil, Config{})

	result := make(chan error, 1)
	go func() { result <- seq.StartAll(context.Background(), []string{"bravo"}, nil) }()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, procs.Calls(), "bravo spawned before alpha was ready")

	close(gate)
	require.NoError(t, <-result)
	assert.Equal(t, []string{"start:bravo"}, procs.Calls())
}

func TestStartAllOutsideDependencyNeverReady(t *testing.T) {
	g, err := chain.NewGraph(map[string][]string{"alpha": nil, "bravo": {"alpha"}})
	require.NoError(t, err)
	procs := newFakeProcs("alpha")
	procs.gates["alpha"] = make(chan struct{})
	seq := New(g, procs, nil, Config{DependencyWait: 50 * time.Millisecond})

	err = seq.StartAll(context.Background(), []string{"bravo"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "waiting for alpha")
	assert.Empty(t, procs.Calls())
}

func TestStartAllSkipsRunningChains(t *testing.T) {
	procs := newFakeProcs("alpha", "beta")
	seq := New(testGraph(t), procs, nil, Config{})

	require.NoError(t, seq.StartAll(context.Background(), []string{"alpha", "beta", "gamma"}, nil))
	assert.Equal(t, []string{"start:gamma"}, procs.Calls())
}

func TestStartAllFailureStopsTheRest(t *testing.T) {
	procs := newFakeProcs()
	procs.startErr["alpha"] = errors.New("exec format error")
	seq := New(testGraph(t), procs, nil, Config{})

	err := seq.StartAll(context.Background(), []string{"alpha", "beta", "gamma", "delta"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting alpha")

	calls := procs.Calls()
	assert.NotContains(t, calls, "start:gamma")
	assert.NotContains(t, calls, "start:delta")
}

func TestStartAllDependencyWaitBounded(t *testing.T) {
	procs := newFakeProcs()
	procs.gates["alpha"] = make(chan struct{}) // never ready
	seq := New(testGraph(t), procs, nil, Config{DependencyWait: 50 * time.Millisecond})

	err := seq.StartAll(context.Background(), []string{"alpha", "beta", "gamma"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, procs.Calls(), "start:gamma")
}

func TestStopAllReverseOrder(t *testing.T) {
	procs := newFakeProcs("alpha", "beta", "gamma", "delta")
	seq := New(testGraph(t), procs, nil, Config{})

	require.NoError(t, seq.StopAll(context.Background(), []string{"alpha", "beta", "gamma", "delta"}, false))

	calls := procs.Calls()
	assert.Less(t, indexOf(t, calls, "stop:delta"), indexOf(t, calls, "stop:gamma"))
	assert.Less(t, indexOf(t, calls, "stop:gamma"), indexOf(t, calls, "stop:alpha"))
	assert.Less(t, indexOf(t, calls, "stop:gamma"), indexOf(t, calls, "stop:beta"))
	assert.Empty(t, procs.Running())
}

func TestStopAllRejectsRunningDependents(t *testing.T) {
	procs := newFakeProcs("alpha", "beta", "gamma", "delta")
	seq := New(testGraph(t), procs, nil, Config{})

	err := seq.StopAll(context.Background(), []string{"alpha"}, false)
	var de *supervisor.DependentsError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "dependents still running: gamma", err.Error())
	assert.Empty(t, procs.Calls(), "nothing stopped")

	require.NoError(t, seq.StopAll(context.Background(), []string{"alpha"}, true))
	assert.Equal(t, []string{"beta"}, procs.Running())

	calls := procs.Calls()
	assert.Equal(t, []string{"stop:delta", "stop:gamma", "stop:alpha"}, calls)
}

func TestShutdownPausesDownloadsFirst(t *testing.T) {
	procs := newFakeProcs("alpha", "gamma", "beta")
	seq := New(testGraph(t), procs, fakeDownloads{procs}, Config{})

	require.NoError(t, seq.Shutdown(context.Background()))

	calls := procs.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "pause-downloads", calls[0])
	assert.NotContains(t, calls, "killall")
	assert.Empty(t, procs.Running())
}

func TestShutdownEscalatesWithinBudget(t *testing.T) {
	procs := newFakeProcs("alpha", "beta")
	procs.hang["alpha"] = true
	seq := New(testGraph(t), procs, nil, Config{ShutdownTimeout: 100 * time.Millisecond})

	begin := time.Now()
	err := seq.Shutdown(context.Background())
	elapsed := time.Since(begin)

	require.ErrorIs(t, err, ErrShutdownEscalated)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Contains(t, procs.Calls(), "killall")
	assert.Empty(t, procs.Running())
}

func TestShutdownNothingRunning(t *testing.T) {
	procs := newFakeProcs()
	seq := New(testGraph(t), procs, fakeDownloads{procs}, Config{})

	require.NoError(t, seq.Shutdown(context.Background()))
	assert.Equal(t, []string{"pause-downloads"}, procs.Calls())
}
