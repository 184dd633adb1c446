package rpc_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/fake"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/wire"
)

func connected(t *testing.T, opts rpc.Options) (*rpc.Engine, *fake.Transport, *fake.Conn) {
	t.Helper()
	tr := fake.NewTransport()
	e := rpc.New(tr, opts)
	require.NoError(t, e.Start(rpc.StartNotify{}))
	c := tr.Dial()
	require.Equal(t, api.StateConnected, e.State())
	return e, tr, c
}

// outcome records what a continuation received.
type outcome struct {
	calls  int
	result api.Value
	err    error
}

func (o *outcome) k() rpc.Continuation {
	return rpc.Continuation{
		Resolve: func(v api.Value) { o.calls++; o.result = v },
		Reject:  func(err error) { o.calls++; o.err = err },
	}
}

func sequence(ids ...uint32) func() uint32 {
	i := 0
	return func() uint32 {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestStartLifecycle(t *testing.T) {
	tr := fake.NewTransport()
	e := rpc.New(tr, rpc.Options{})
	var states []api.State
	e.OnState(func(s api.State) { states = append(states, s) })

	connectedCalls := 0
	require.NoError(t, e.Start(rpc.StartNotify{OnConnected: func() { connectedCalls++ }}))
	assert.Equal(t, api.StateConnecting, e.State())
	assert.ErrorIs(t, e.Start(rpc.StartNotify{}), api.ErrAlreadyStarted)

	tr.Dial()
	assert.Equal(t, 1, connectedCalls)
	assert.Equal(t, []api.State{api.StateConnecting, api.StateConnected}, states)

	e.Stop()
	e.Stop()
	assert.Equal(t, api.StateClosed, e.State())
	assert.True(t, tr.Closed())
	assert.ErrorIs(t, e.Start(rpc.StartNotify{}), api.ErrAlreadyStarted)
}

func TestStartFailure(t *testing.T) {
	tr := fake.NewTransport()
	e := rpc.New(tr, rpc.Options{})
	var got error
	require.NoError(t, e.Start(rpc.StartNotify{OnError: func(err error) { got = err }}))
	tr.Fail(errors.New("connection refused"))
	assert.Equal(t, api.StateErrored, e.State())
	assert.EqualError(t, got, "connection refused")

	tr2 := fake.NewTransport()
	tr2.SetStartError(errors.New("bad endpoint"))
	e2 := rpc.New(tr2, rpc.Options{})
	assert.Error(t, e2.Start(rpc.StartNotify{}))
	assert.Equal(t, api.StateErrored, e2.State())
}

func TestOperationsRequireConnected(t *testing.T) {
	e := rpc.New(fake.NewTransport(), rpc.Options{})
	_, err := e.Call("x", nil, rpc.Continuation{})
	assert.ErrorIs(t, err, api.ErrInvalidState)
	assert.ErrorIs(t, e.Reg("x", func(*rpc.Request) (api.Value, error) { return nil, nil }), api.ErrInvalidState)
	assert.ErrorIs(t, e.On("x", func(string, api.Value) {}), api.ErrInvalidState)
	assert.ErrorIs(t, e.Off("x"), api.ErrInvalidState)
	assert.ErrorIs(t, e.Emit("x", nil), api.ErrInvalidState)
	_, err = e.Event("x")
	assert.ErrorIs(t, err, api.ErrInvalidState)
}

func TestEchoHandlerProducesOneResponse(t *testing.T) {
	e, tr, c := connected(t, rpc.Options{})
	require.NoError(t, e.Reg("echo", func(r *rpc.Request) (api.Value, error) { return r.Params, nil }))

	args := map[string]api.Value{"a": 1.0}
	tr.Deliver(c, api.NewRequest(7, "echo", args))

	sent := c.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, api.KindResponse, sent[0].Kind)
	assert.Equal(t, uint32(7), sent[0].ID)
	assert.True(t, sent[0].OK())
	assert.True(t, api.Equal(args, sent[0].Result))
}

func TestRegConflicts(t *testing.T) {
	e, _, _ := connected(t, rpc.Options{})
	h := func(*rpc.Request) (api.Value, error) { return nil, nil }
	require.NoError(t, e.Reg("echo", h))
	assert.ErrorIs(t, e.Reg("echo", h), api.ErrAlreadyExists)
	assert.ErrorIs(t, e.Reg(api.MethodSubscribe, h), api.ErrAlreadyExists)
	assert.Equal(t, []string{"echo"}, e.Handlers())
	require.NoError(t, e.Unreg("echo"))
	assert.ErrorIs(t, e.Unreg("echo"), api.ErrNotFound)
}

func TestHandlerFaultsBecomeFailureResponses(t *testing.T) {
	m := control.NewMetricsRegistry()
	e, tr, c := connected(t, rpc.Options{Metrics: m})
	require.NoError(t, e.Reg("fail", func(*rpc.Request) (api.Value, error) { return nil, api.Fault("boom") }))
	require.NoError(t, e.Reg("panic", func(*rpc.Request) (api.Value, error) { panic("kaput") }))

	tr.Deliver(c, api.NewRequest(1, "fail", nil))
	tr.Deliver(c, api.NewRequest(2, "panic", nil))

	sent := c.Sent()
	require.Len(t, sent, 2)
	assert.False(t, sent[0].OK())
	assert.Equal(t, "boom", sent[0].Failure.Message)
	assert.Equal(t, api.FailureHandler, sent[0].Failure.Code)
	assert.False(t, sent[1].OK())
	assert.Equal(t, "kaput", sent[1].Failure.Message)
	assert.Equal(t, int64(2), m.Counter(rpc.MetricHandlerFaults))
}

func TestUnencodableResultBecomesFailure(t *testing.T) {
	m := control.NewMetricsRegistry()
	e, tr, c := connected(t, rpc.Options{Metrics: m})
	c.SetCodec(wire.JSON)
	require.NoError(t, e.Reg("nan", func(*rpc.Request) (api.Value, error) { return math.NaN(), nil }))
	var reply *rpc.Reply
	require.NoError(t, e.Reg("inf", func(r *rpc.Request) (api.Value, error) {
		reply = r.Defer()
		return nil, nil
	}))

	tr.Deliver(c, api.NewRequest(7, "nan", nil))
	tr.Deliver(c, api.NewRequest(8, "inf", nil))
	reply.Resolve([]api.Value{math.Inf(-1)})

	sent := c.Sent()
	require.Len(t, sent, 2)
	for i, id := range []uint32{7, 8} {
		assert.Equal(t, id, sent[i].ID)
		require.False(t, sent[i].OK())
		assert.Equal(t, api.FailureHandler, sent[i].Failure.Code)
		assert.Equal(t, "result cannot be encoded", sent[i].Failure.Message)
	}
	assert.Equal(t, int64(2), m.Counter(rpc.MetricHandlerFaults))
}

func TestDeferredReply(t *testing.T) {
	e, tr, c := connected(t, rpc.Options{})
	var reply *rpc.Reply
	require.NoError(t, e.Reg("later", func(r *rpc.Request) (api.Value, error) {
		reply = r.Defer()
		return nil, nil
	}))

	tr.Deliver(c, api.NewRequest(3, "later", nil))
	assert.Empty(t, c.Sent())

	reply.Resolve("done")
	reply.Reject(errors.New("ignored"))
	sent := c.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "done", sent[0].Result)
	assert.True(t, reply.Done())
}

func TestUnknownMethodPolicy(t *testing.T) {
	m := control.NewMetricsRegistry()
	_, tr, c := connected(t, rpc.Options{Metrics: m})
	tr.Deliver(c, api.NewRequest(1, "missing", nil))
	assert.Empty(t, c.Sent())
	assert.Equal(t, int64(1), m.Counter(rpc.MetricFramesDropped))

	_, tr2, c2 := connected(t, rpc.Options{ReplyUnknownMethod: true})
	tr2.Deliver(c2, api.NewRequest(1, "missing", nil))
	require.Len(t, c2.Sent(), 1)
	assert.Equal(t, api.FailureMethodNotFound, c2.Last().Failure.Code)
}

func TestCallCorrelation(t *testing.T) {
	m := control.NewMetricsRegistry()
	e, tr, c := connected(t, rpc.Options{Rand: sequence(5, 5, 5, 6), Metrics: m})

	var a, b outcome
	idA, err := e.Call("sum", []api.Value{1.0, 2.0}, a.k())
	require.NoError(t, err)
	idB, err := e.Call("sum", []api.Value{3.0}, b.k())
	require.NoError(t, err)
	assert.Equal(t, uint32(5), idA)
	assert.Equal(t, uint32(6), idB, "colliding draws are resampled")
	assert.Equal(t, 2, e.Outstanding())

	req := c.Sent()[0]
	assert.Equal(t, api.KindRequest, req.Kind)
	assert.Equal(t, "sum", req.Method)

	tr.Deliver(c, api.NewFailure(idB, -1, "nope"))
	tr.Deliver(c, api.NewResult(idA, 3.0))
	tr.Deliver(c, api.NewResult(idA, 99.0))

	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 3.0, a.result)
	assert.Equal(t, 1, b.calls)
	var remote *api.RemoteError
	require.ErrorAs(t, b.err, &remote)
	assert.Equal(t, "nope", remote.Message)
	assert.Zero(t, e.Outstanding())
	assert.Equal(t, int64(1), m.Counter(rpc.MetricFramesDropped), "duplicate response dropped")
	assert.Equal(t, int64(1), m.Counter(rpc.MetricCallsResolved))
	assert.Equal(t, int64(1), m.Counter(rpc.MetricCallsRejected))
}

func TestResponseFromOtherConnIgnored(t *testing.T) {
	e, tr, c := connected(t, rpc.Options{})
	var o outcome
	id, err := e.Call("x", nil, o.k())
	require.NoError(t, err)

	other := tr.Connect()
	tr.Deliver(other, api.NewResult(id, 1.0))
	assert.Zero(t, o.calls)
	tr.Deliver(c, api.NewResult(id, 1.0))
	assert.Equal(t, 1, o.calls)
}

func TestStopFailsOutstandingCalls(t *testing.T) {
	e, tr, _ := connected(t, rpc.Options{})
	var a, b outcome
	_, err := e.Call("slow", nil, a.k())
	require.NoError(t, err)
	_, err = e.Call("slow", nil, b.k())
	require.NoError(t, err)

	e.Stop()
	assert.ErrorIs(t, a.err, api.ErrStopped)
	assert.ErrorIs(t, b.err, api.ErrStopped)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Zero(t, e.Outstanding())
	assert.True(t, tr.Closed())
}

func TestCallTimeout(t *testing.T) {
	clock := fake.NewReactor()
	e, tr, c := connected(t, rpc.Options{Scheduler: clock, CallTimeout: 100 * time.Millisecond})

	var slow, fast outcome
	idSlow, err := e.Call("slow", nil, slow.k())
	require.NoError(t, err)
	idFast, err := e.Call("fast", nil, fast.k())
	require.NoError(t, err)

	tr.Deliver(c, api.NewResult(idFast, true))
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(99 * time.Millisecond)
	assert.Zero(t, slow.calls)
	clock.Advance(time.Millisecond)
	assert.ErrorIs(t, slow.err, api.ErrTimeout)
	assert.Equal(t, true, fast.result)

	tr.Deliver(c, api.NewResult(idSlow, 1.0))
	assert.Equal(t, 1, slow.calls, "late response is a no-op")

	noSched, _, _ := connected(t, rpc.Options{})
	_, err = noSched.CallTimeout("x", nil, time.Second, rpc.Continuation{})
	assert.ErrorIs(t, err, api.ErrNotSupported)
}

func TestSubscriptions(t *testing.T) {
	e, tr, c := connected(t, rpc.Options{})
	var got []api.Value
	require.NoError(t, e.On("ping", func(name string, data api.Value) { got = append(got, data) }))
	assert.ErrorIs(t, e.On("ping", func(string, api.Value) {}), api.ErrAlreadyExists)

	sub := c.Last()
	assert.Equal(t, api.MethodSubscribe, sub.Method)
	assert.Equal(t, []api.Value{"ping"}, sub.Params)
	tr.Deliver(c, api.NewResult(sub.ID, map[string]api.Value{"ping": "ok"}))

	tr.Deliver(c, api.NewEvent("ping", 1.0))
	tr.Deliver(c, api.NewEvent("pong", 2.0))
	assert.Equal(t, []api.Value{1.0}, got)

	require.NoError(t, e.Off("ping"))
	assert.Equal(t, api.MethodUnsubscribe, c.Last().Method)
	assert.ErrorIs(t, e.Off("ping"), api.ErrNotSubscribed)
	assert.ErrorIs(t, e.Off("never"), api.ErrNotSubscribed)
}

func TestRefusedSubscriptionIsRemoved(t *testing.T) {
	e, tr, c := connected(t, rpc.Options{})
	require.NoError(t, e.On("tick", func(string, api.Value) {}))
	tr.Deliver(c, api.NewFailure(c.Last().ID, api.FailureInvalidParams, "event 'tick' not declared"))
	assert.Empty(t, e.Subscriptions())
}

func TestEmitReachesSubscribedConnections(t *testing.T) {
	m := control.NewMetricsRegistry()
	tr := fake.NewTransport()
	e := rpc.New(tr, rpc.Options{Metrics: m})
	require.NoError(t, e.Start(rpc.StartNotify{}))
	tr.Open()
	a := tr.Connect()
	b := tr.Connect()

	emit, err := e.Event("tick")
	require.NoError(t, err)

	tr.Deliver(a, api.NewRequest(1, api.MethodSubscribe, []api.Value{"tick"}))
	require.True(t, a.Last().OK())
	assert.True(t, api.Equal(map[string]api.Value{"tick": "ok"}, a.Last().Result))

	tr.Deliver(b, api.NewRequest(2, api.MethodSubscribe, []api.Value{"tock"}))
	assert.False(t, b.Last().OK(), "undeclared event refused")

	require.NoError(t, emit(42.0))
	ev := a.Last()
	assert.Equal(t, api.KindEvent, ev.Kind)
	assert.Equal(t, "tick", ev.Method)
	assert.Equal(t, 42.0, ev.Params)
	assert.Len(t, b.Sent(), 1)
	assert.Equal(t, 1, e.Listeners("tick"))

	tr.Deliver(a, api.NewRequest(3, api.MethodUnsubscribe, []api.Value{"tick"}))
	require.NoError(t, e.Emit("tick", 43.0))
	assert.Equal(t, api.KindResponse, a.Last().Kind)
	assert.Equal(t, int64(2), m.Counter(rpc.MetricEventsEmitted))
	assert.Equal(t, int64(1), m.Counter(rpc.MetricEventsDelivered))

	_, err = e.Call("x", nil, rpc.Continuation{})
	assert.ErrorIs(t, err, api.ErrInvalidState, "two peers make initiator calls ambiguous")
}

func TestConnCloseFailsItsCallsAndSubscriptions(t *testing.T) {
	e, tr, c := connected(t, rpc.Options{})
	var o outcome
	_, err := e.Call("x", nil, o.k())
	require.NoError(t, err)

	_, err = e.Event("tick")
	require.NoError(t, err)
	tr.Deliver(c, api.NewRequest(9, api.MethodSubscribe, "tick"))
	assert.Equal(t, 1, e.Listeners("tick"))

	tr.Drop(c, nil)
	assert.ErrorIs(t, o.err, api.ErrTransportClosed)
	assert.Zero(t, e.Listeners("tick"))
	assert.Zero(t, e.Conns())
	assert.Equal(t, api.StateConnected, e.State())
}

func TestTransportFailureTerminates(t *testing.T) {
	e, tr, _ := connected(t, rpc.Options{})
	var o outcome
	_, err := e.Call("x", nil, o.k())
	require.NoError(t, err)

	tr.Fail(errors.New("reset"))
	assert.Equal(t, api.StateErrored, e.State())
	assert.ErrorIs(t, o.err, api.ErrTransportClosed)
	assert.Equal(t, api.ErrCodeTransportFailure, api.CodeOf(o.err))

	e2, tr2, _ := connected(t, rpc.Options{})
	tr2.Fail(nil)
	assert.Equal(t, api.StateClosed, e2.State(), "orderly remote close")
}

func TestProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	e, _, _ := connected(t, rpc.Options{Probes: dp, Name: "cli"})
	_, err := e.Call("x", nil, rpc.Continuation{})
	require.NoError(t, err)
	state := dp.DumpState()
	assert.Equal(t, "connected", state["cli.state"])
	assert.Equal(t, 1, state["cli.outstanding"])
}
