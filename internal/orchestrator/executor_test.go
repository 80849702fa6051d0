package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/events"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
)

type fakeClients struct {
	mu         sync.Mutex
	ids        []string
	broadcasts []string
}

func (c *fakeClients) Clients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func (c *fakeClients) Broadcast(event string, _ any) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, event)
	return len(c.ids)
}

type executorFixture struct {
	emitter   *events.Emitter
	clients   *fakeClients
	ready     bool
	ex        *Executor
	starts    int
	summaries []Summary
}

func newExecutorFixture(ids ...string) *executorFixture {
	fx := &executorFixture{emitter: events.NewEmitter(), clients: &fakeClients{ids: ids}, ready: true}
	fx.emitter.On(consts.EventRunStart, func(...any) { fx.starts++ })
	fx.emitter.On(consts.EventRunComplete, func(args ...any) { fx.summaries = append(fx.summaries, args[0].(Summary)) })
	fx.ex = NewExecutor(fx.emitter, fx.clients, func() bool { return fx.ready }, logger.Discard())
	return fx
}

func TestExecutor_StartsRunAndBroadcasts(t *testing.T) {
	fx := newExecutorFixture("b1")

	assert.True(t, fx.ex.Schedule())
	assert.Equal(t, 1, fx.starts)
	assert.Equal(t, []string{"execute"}, fx.clients.broadcasts)
	assert.True(t, fx.ex.Running())
}

func TestExecutor_WaitsForAllBrowsers(t *testing.T) {
	fx := newExecutorFixture("b1")
	fx.ready = false

	assert.False(t, fx.ex.Schedule())
	assert.Equal(t, 0, fx.starts)
	assert.Empty(t, fx.clients.broadcasts)
	assert.True(t, fx.ex.Pending())

	fx.ready = true
	fx.emitter.Emit(consts.EventRunComplete, Summary{})
	assert.Equal(t, 1, fx.starts)
	assert.Equal(t, []string{"execute"}, fx.clients.broadcasts)
}

func TestExecutor_PendingRunStartsOnRegister(t *testing.T) {
	fx := newExecutorFixture()

	assert.False(t, fx.ex.Schedule())
	fx.clients.ids = []string{"late"}
	fx.emitter.Emit(consts.EventBrowserRegister, "late")
	assert.Equal(t, 1, fx.starts)
}

func TestExecutor_AggregatesResults(t *testing.T) {
	fx := newExecutorFixture("b1", "b2")
	require.True(t, fx.ex.Schedule())

	fx.ex.Result("b1", protocol.Result{Success: 3})
	assert.Empty(t, fx.summaries)
	fx.ex.Result("b2", protocol.Result{Success: 2, Failed: 1})

	require.Len(t, fx.summaries, 1)
	s := fx.summaries[0]
	assert.Equal(t, 5, s.Success)
	assert.Equal(t, 1, s.Failed)
	assert.False(t, s.Error)
	assert.Len(t, s.Browsers, 2)
	assert.Equal(t, 1, s.ExitCode())
	assert.False(t, fx.ex.Running())
}

func TestExecutor_IgnoresUnknownAndIdleResults(t *testing.T) {
	fx := newExecutorFixture("b1")
	fx.ex.Result("b1", protocol.Result{Success: 1})
	assert.Empty(t, fx.summaries)

	require.True(t, fx.ex.Schedule())
	fx.ex.Result("stranger", protocol.Result{Success: 1})
	assert.Empty(t, fx.summaries)
}

func TestExecutor_DisconnectCountsAsError(t *testing.T) {
	fx := newExecutorFixture("b1", "b2")
	require.True(t, fx.ex.Schedule())

	fx.ex.Result("b1", protocol.Result{Success: 1})
	fx.ex.Disconnected("b2")

	require.Len(t, fx.summaries, 1)
	assert.True(t, fx.summaries[0].Error)
	assert.Equal(t, "disconnected", fx.summaries[0].Browsers["b2"].Message)
}

func TestExecutor_DropStopsWaiting(t *testing.T) {
	fx := newExecutorFixture("b1", "b2")
	require.True(t, fx.ex.Schedule())

	fx.ex.Result("b1", protocol.Result{Success: 4})
	fx.ex.Drop("b2")

	require.Len(t, fx.summaries, 1)
	assert.Equal(t, 0, fx.summaries[0].ExitCode())
	assert.NotContains(t, fx.summaries[0].Browsers, "b2")
}

func TestExecutor_ScheduleDuringRunQueuesOneMore(t *testing.T) {
	fx := newExecutorFixture("b1")
	require.True(t, fx.ex.Schedule())

	assert.False(t, fx.ex.Schedule())
	assert.False(t, fx.ex.Schedule())
	fx.ex.Result("b1", protocol.Result{Success: 1})

	assert.Equal(t, 2, fx.starts)
	assert.True(t, fx.ex.Running())
	assert.False(t, fx.ex.Pending())
}

func TestSummary_ExitCode(t *testing.T) {
	ok := map[string]protocol.Result{"b": {Success: 1}}
	assert.Equal(t, 0, Summary{Success: 1, Browsers: ok}.ExitCode())
	assert.Equal(t, 1, Summary{Success: 1, Error: true, Browsers: ok}.ExitCode())
	assert.Equal(t, 1, Summary{}.ExitCode())
	assert.Contains(t, Summary{Success: 2, Failed: 1, Browsers: ok}.String(), "2 passed, 1 failed")
}
