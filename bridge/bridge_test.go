package bridge_test

import (
	"bytes"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/bridge"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/fake"
	"github.com/momentics/hioload-rpc/rpc"
	"github.com/momentics/hioload-rpc/wire"
)

type harness struct {
	b   *bridge.Bridge
	e   *rpc.Engine
	tr  *fake.Transport
	out *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tr := fake.NewTransport()
	e := rpc.New(tr, rpc.Options{})
	out := &bytes.Buffer{}
	b, err := bridge.New(bridge.Options{Engine: e, Out: out})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return &harness{b: b, e: e, tr: tr, out: out}
}

// connect starts the engine and dials one peer.
func (h *harness) connect(t *testing.T) *fake.Conn {
	t.Helper()
	require.NoError(t, h.e.Start(rpc.StartNotify{}))
	return h.tr.Dial()
}

func (h *harness) run(t *testing.T, src string) {
	t.Helper()
	require.NoError(t, h.b.RunScript("test.js", src))
}

func (h *harness) global(name string) goja.Value {
	return h.b.Runtime().Get(name)
}

func TestValueRoundTrip(t *testing.T) {
	h := newHarness(t)
	v := map[string]api.Value{
		"s": "text",
		"b": true,
		"n": nil,
		"l": []api.Value{1.0, "two", []api.Value{false, nil}},
		"m": map[string]api.Value{"k": map[string]api.Value{"z": 1.5}},
		"e": []api.Value{},
		"__proto__": map[string]api.Value{"x": 1.0},
	}
	back, err := h.b.FromJS(h.b.ToJS(v))
	require.NoError(t, err)
	assert.True(t, api.Equal(v, back), "got %#v", back)

	h.run(t, `function identity(x) { return x; }`)
	got, err := h.b.Invoke(h.global("identity"), nil, v)
	require.NoError(t, err)
	assert.True(t, api.Equal(v, got))
}

func TestFromJSEdgeCases(t *testing.T) {
	h := newHarness(t)
	h.run(t, `var sample = {
		f: function () {},
		u: undefined,
		d: new Date(0),
		arr: [1, [2, "x"]],
		sym: Symbol("s"),
		int: 7
	};`)
	got, err := h.b.FromJS(h.global("sample"))
	require.NoError(t, err)
	m := got.(map[string]api.Value)
	assert.Nil(t, m["f"])
	assert.Nil(t, m["u"])
	assert.Nil(t, m["sym"])
	assert.Equal(t, "1970-01-01T00:00:00Z", m["d"])
	assert.Equal(t, 7.0, m["int"])
	assert.True(t, api.Equal([]api.Value{1.0, []api.Value{2.0, "x"}}, m["arr"]))

	h.run(t, `var cyclic = {}; cyclic.self = cyclic;`)
	_, err = h.b.FromJS(h.global("cyclic"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestMapKeysStayOwnMembers(t *testing.T) {
	h := newHarness(t)
	h.run(t, `function inspect(m) {
		return [Object.getPrototypeOf(m) === Object.prototype, m.hasOwnProperty("__proto__"), m.polluted === undefined];
	}`)
	got, err := h.b.Invoke(h.global("inspect"), nil, map[string]api.Value{
		"__proto__": map[string]api.Value{"polluted": true},
	})
	require.NoError(t, err)
	assert.Equal(t, []api.Value{true, true, true}, got)
}

func TestFromJSBoundsElements(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Runtime().Set("bridgeLimit", bridge.MaxElements))
	h.run(t, `
		var sparse = []; sparse.length = 4294967295;
		var wide = []; for (var i = 0; i < 2; i++) { var a = []; a.length = bridgeLimit; wide.push(a); }
	`)
	_, err := h.b.FromJS(h.global("sparse"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = h.b.FromJS(h.global("wide"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	c := h.connect(t)
	h.run(t, `register("huge", function () { return sparse; });`)
	h.tr.Deliver(c, api.NewRequest(7, "huge", nil))
	last := c.Last()
	require.NotNil(t, last)
	assert.Equal(t, uint32(7), last.ID)
	assert.False(t, last.OK())
	assert.Equal(t, api.FailureHandler, last.Failure.Code)
	assert.Contains(t, last.Failure.Message, "too many elements")
	assert.Zero(t, h.b.Depth())
}

func TestInvokeKeepsDepthBalanced(t *testing.T) {
	h := newHarness(t)
	var seen []int
	require.NoError(t, h.b.Runtime().Set("probe", func() { seen = append(seen, h.b.Depth()) }))
	require.NoError(t, h.b.Runtime().Set("reenter", func(fn goja.Value) {
		_, err := h.b.Invoke(fn, nil)
		assert.NoError(t, err)
	}))
	h.run(t, `
		function inner() { probe(); }
		function outer() { probe(); reenter(inner); probe(); }
		function fails() { probe(); throw new Error("boom"); }
	`)
	assert.Zero(t, h.b.Depth())

	_, err := h.b.Invoke(h.global("outer"), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 1}, seen)
	assert.Zero(t, h.b.Depth())

	_, err = h.b.Invoke(h.global("fails"), nil)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeHandlerFault, api.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Zero(t, h.b.Depth())

	require.NoError(t, h.b.Runtime().Set("explode", func() { panic("native") }))
	h.run(t, `function panics() { explode(); }`)
	_, err = h.b.Invoke(h.global("panics"), nil)
	assert.Equal(t, api.ErrCodeHandlerFault, api.CodeOf(err))
	assert.Zero(t, h.b.Depth())
}

func TestExportsRegistrationIsMonotonic(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.run(t, `
		exports.echo = function (x) { return x; };
		var removed = delete exports.echo;
		var again = register("echo", function () { return "other"; });
		var fresh = register("sum", function (xs) { return xs[0] + xs[1]; });
	`)
	assert.False(t, h.global("removed").ToBoolean())
	assert.False(t, h.global("again").ToBoolean())
	assert.True(t, h.global("fresh").ToBoolean())
	assert.Equal(t, []string{"echo", "sum"}, h.b.Handlers())
	assert.Equal(t, []string{"echo", "sum"}, h.e.Handlers())

	args := map[string]api.Value{"a": 1.0}
	h.tr.Deliver(c, api.NewRequest(7, "echo", args))
	resp := c.Last()
	require.True(t, resp.OK())
	assert.Equal(t, uint32(7), resp.ID)
	assert.True(t, api.Equal(args, resp.Result))

	h.tr.Deliver(c, api.NewRequest(8, "sum", []api.Value{2.0, 3.0}))
	assert.Equal(t, 5.0, c.Last().Result)

	require.NoError(t, h.b.Unregister("sum"))
	assert.Equal(t, []string{"echo"}, h.e.Handlers())
	assert.ErrorIs(t, h.b.Unregister("sum"), api.ErrNotFound)
}

func TestHandlersInstalledOnConnect(t *testing.T) {
	h := newHarness(t)
	h.run(t, `register("early", function () { return "ok"; }); var tick = event("tick");`)
	assert.Empty(t, h.e.Handlers())

	c := h.connect(t)
	assert.Equal(t, []string{"early"}, h.e.Handlers())

	h.tr.Deliver(c, api.NewRequest(1, api.MethodSubscribe, []api.Value{"tick"}))
	require.True(t, c.Last().OK(), "declared before connect")

	h.run(t, `tick({n: 1});`)
	ev := c.Last()
	assert.Equal(t, api.KindEvent, ev.Kind)
	assert.True(t, api.Equal(map[string]api.Value{"n": 1.0}, ev.Params))
}

func TestHandlerFaultBecomesFailure(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.run(t, `register("bad", function () { throw new Error("boom"); });`)

	h.tr.Deliver(c, api.NewRequest(2, "bad", nil))
	resp := c.Last()
	require.NotNil(t, resp.Failure)
	assert.Equal(t, "boom", resp.Failure.Message)
	assert.Zero(t, h.b.Depth())
}

func TestNonFiniteResultStillAnswered(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.SetCodec(wire.JSON)
	h.run(t, `register("nan", function () { return 0 / 0; });`)

	h.tr.Deliver(c, api.NewRequest(7, "nan", nil))
	sent := c.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(7), sent[0].ID)
	assert.False(t, sent[0].OK())
	assert.Equal(t, api.FailureHandler, sent[0].Failure.Code)
}

func TestPromiseHandlers(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.run(t, `
		var settle;
		register("later", function () { return new Promise(function (res) { settle = res; }); });
		register("now", function () { return Promise.resolve("ready"); });
		register("refused", function () { return Promise.reject(new Error("nope")); });
	`)

	h.tr.Deliver(c, api.NewRequest(1, "now", nil))
	assert.Equal(t, "ready", c.Last().Result)

	h.tr.Deliver(c, api.NewRequest(2, "refused", nil))
	require.NotNil(t, c.Last().Failure)
	assert.Equal(t, "nope", c.Last().Failure.Message)

	c.ClearSent()
	h.tr.Deliver(c, api.NewRequest(3, "later", nil))
	assert.Empty(t, c.Sent())
	h.run(t, `settle(42);`)
	require.Len(t, c.Sent(), 1)
	assert.Equal(t, uint32(3), c.Last().ID)
	assert.Equal(t, 42.0, c.Last().Result)
}

func TestCallFromScript(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.run(t, `
		var got, cbErr;
		call("sum", [1, 2]).then(function (v) { got = v; });
	`)
	req := c.Last()
	assert.Equal(t, "sum", req.Method)
	h.tr.Deliver(c, api.NewResult(req.ID, 3.0))
	assert.Equal(t, int64(3), h.global("got").ToInteger())

	h.run(t, `call("sum", [1], function (err, v) { cbErr = err; });`)
	h.tr.Deliver(c, api.NewFailure(c.Last().ID, -1, "too few"))
	assert.Equal(t, "too few", h.global("cbErr").ToObject(h.b.Runtime()).Get("message").String())
	assert.Zero(t, h.e.Outstanding())
}

func TestOperationsBeforeConnectThrow(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		var msg;
		try { call("x", []); } catch (e) { msg = e.message; }
	`)
	assert.Contains(t, h.global("msg").String(), "invalid state")
}

func TestSubscriptionsFromScript(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.run(t, `
		var seen, dup, missing;
		on("ping", function (name, data) { seen = name + ":" + data.n; });
		try { on("ping", function () {}); } catch (e) { dup = e.message; }
	`)
	assert.Contains(t, h.global("dup").String(), "name already exists")
	assert.Equal(t, api.MethodSubscribe, c.Last().Method)

	h.tr.Deliver(c, api.NewEvent("ping", map[string]api.Value{"n": 4.0}))
	assert.Equal(t, "ping:4", h.global("seen").String())

	h.run(t, `
		off("ping");
		try { off("ping"); } catch (e) { missing = e.message; }
	`)
	assert.Contains(t, h.global("missing").String(), "not subscribed")
	assert.Empty(t, h.e.Subscriptions())
}

func TestRefusedSubscriptionCanBeRetried(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.run(t, `var got; on("ping", function () {});`)
	req := c.Last()
	require.Equal(t, api.MethodSubscribe, req.Method)

	h.tr.Deliver(c, api.NewFailure(req.ID, api.FailureInvalidParams, "event 'ping' not declared"))
	assert.Empty(t, h.e.Subscriptions())

	h.run(t, `on("ping", function (name, data) { got = data; });`)
	assert.Equal(t, []string{"ping"}, h.e.Subscriptions())
	h.tr.Deliver(c, api.NewEvent("ping", "again"))
	assert.Equal(t, "again", h.global("got").String())
}

func TestSubscriberFaultIsSwallowed(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	h.run(t, `on("ping", function () { throw new Error("bad subscriber"); });`)
	h.tr.Deliver(c, api.NewEvent("ping", nil))
	assert.Zero(t, h.b.Depth())
	assert.Equal(t, api.StateConnected, h.e.State())
}

func TestDebugOutput(t *testing.T) {
	dp := control.NewDebugProbes()
	out := &bytes.Buffer{}
	b, err := bridge.New(bridge.Options{Out: out, Probes: dp})
	require.NoError(t, err)
	require.NoError(t, b.RunScript("t.js", `
		debug("a", 1, true);
		console.log("x", "y");
		register("h", function () {});
		var state = debug.state();
	`))
	assert.Equal(t, "a1true\nx y\n", out.String())
	state, err := b.FromJS(b.Runtime().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, state.(map[string]api.Value)[bridge.ProbeHandlers])

	require.NoError(t, b.Close())
	assert.NotContains(t, dp.Names(), bridge.ProbeHandlers)
}

func TestMissingCollaboratorsThrow(t *testing.T) {
	b, err := bridge.New(bridge.Options{Out: &bytes.Buffer{}})
	require.NoError(t, err)
	for _, src := range []string{
		`setTimer(function () {}, 0, 0)`,
		`emit("x", 1)`,
		`call("x", [])`,
		`new rpc("ws://127.0.0.1:1/", function () {})`,
	} {
		err := b.RunScript("t.js", src)
		require.Error(t, err, src)
		assert.Contains(t, err.Error(), "not supported", src)
	}
}

func TestScriptClient(t *testing.T) {
	tr := fake.NewTransport()
	b, err := bridge.New(bridge.Options{
		Out:  &bytes.Buffer{},
		Dial: func(string) api.Transport { return tr },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.RunScript("client.js", `
		var started = false, result, twice, event;
		var c = new rpc("ws://127.0.0.1:23456/api/token", function (e) {});
		c.start(function () {
			started = true;
			c.call("echo", {a: 1}, function (err, v) { result = v.a; });
			c.on("tick", function (name, data) { event = name + "=" + data; });
		});
		try { c.start(function () {}); } catch (e) { twice = e.message; }
	`))
	vm := b.Runtime()
	assert.Contains(t, vm.Get("twice").String(), "already started")

	conn := tr.Dial()
	assert.True(t, vm.Get("started").ToBoolean())
	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "echo", sent[0].Method)
	assert.Equal(t, api.MethodSubscribe, sent[1].Method)

	tr.Deliver(conn, api.NewResult(sent[0].ID, map[string]api.Value{"a": 1.0}))
	assert.Equal(t, int64(1), vm.Get("result").ToInteger())

	tr.Deliver(conn, api.NewEvent("tick", 5.0))
	assert.Equal(t, "tick=5", vm.Get("event").String())

	require.NoError(t, b.RunScript("stop.js", `c.stop();`))
	assert.True(t, tr.Closed())
}

func TestScriptClientStartFailure(t *testing.T) {
	tr := fake.NewTransport()
	b, err := bridge.New(bridge.Options{
		Out:  &bytes.Buffer{},
		Dial: func(string) api.Transport { return tr },
	})
	require.NoError(t, err)
	require.NoError(t, b.RunScript("client.js", `
		var failure;
		var c = new rpc("ws://127.0.0.1:1/", function (e) { failure = e.message; });
		c.start(function () {});
	`))
	tr.Fail(api.ErrTransportClosed)
	assert.Contains(t, b.Runtime().Get("failure").String(), "transport is closed")
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.run(t, `register("x", function () {}); function f() {}`)
	fn := h.global("f")

	require.NoError(t, h.b.Close())
	assert.Empty(t, h.b.Handlers())
	assert.Empty(t, h.e.Handlers())
	_, err := h.b.Invoke(fn, nil)
	assert.ErrorIs(t, err, api.ErrClosed)
	assert.ErrorIs(t, h.b.RunScript("late.js", "1"), api.ErrClosed)
	require.NoError(t, h.b.Close())
}
