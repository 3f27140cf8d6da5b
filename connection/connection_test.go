package connection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/portrpc/future"
	"github.com/guseggert/portrpc/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

// mockPort records sent frames and lets tests inject inbound messages synchronously.
type mockPort struct {
	m       sync.Mutex
	sent    []Frame
	handler port.Handler
	closed  bool
	sendErr error
}

func (p *mockPort) Send(data any) error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, data.(Frame))
	return nil
}

func (p *mockPort) SetHandler(h port.Handler) {
	p.m.Lock()
	defer p.m.Unlock()
	p.handler = h
}

func (p *mockPort) Close() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.closed = true
	return nil
}

// recv delivers a tagged frame as though the remote had sent it.
func (p *mockPort) recv(f Frame) {
	f.PC = true
	p.deliver(f)
}

func (p *mockPort) deliver(data any) {
	p.m.Lock()
	h := p.handler
	p.m.Unlock()
	h(port.Event{Data: data})
}

func (p *mockPort) frames() []Frame {
	p.m.Lock()
	defer p.m.Unlock()
	return append([]Frame(nil), p.sent...)
}

func (p *mockPort) waitFrames(t *testing.T, n int) []Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.frames()) >= n }, 2*time.Second, time.Millisecond)
	return p.frames()
}

func (p *mockPort) reply(id string) *Frame {
	for _, f := range p.frames() {
		if f.ID == id && (f.Type == FrameResolve || f.Type == FrameReject) {
			return &f
		}
	}
	return nil
}

func (p *mockPort) waitReply(t *testing.T, id string) Frame {
	t.Helper()
	require.Eventually(t, func() bool { return p.reply(id) != nil }, 2*time.Second, time.Millisecond)
	return *p.reply(id)
}

func sequentialIDs() func() string {
	var m sync.Mutex
	n := 0
	return func() string {
		m.Lock()
		defer m.Unlock()
		n++
		return "id-" + strconv.Itoa(n)
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var connectFrame = Frame{PC: true, ID: ConnectID, Type: FrameConnect}

func TestNewRequiresPort(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrNoPort)
}

func TestAutoConnectSendsConnect(t *testing.T) {
	p := &mockPort{}
	c, err := New(p, nil)
	require.NoError(t, err)

	assert.Equal(t, []Frame{connectFrame}, p.frames())
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 1, c.Pending())
}

func TestConnectRetransmitsUntilAnswered(t *testing.T) {
	ctx := testCtx(t)
	p := &mockPort{}
	c, err := New(p, nil, WithAutoConnect(false))
	require.NoError(t, err)
	assert.Empty(t, p.frames())
	assert.Equal(t, StateIdle, c.State())

	connected := c.Connect()
	assert.Same(t, c.Connected(), connected)
	assert.Equal(t, []Frame{connectFrame}, p.frames())

	assert.Same(t, connected, c.Connect())
	assert.Equal(t, []Frame{connectFrame, connectFrame}, p.frames())
	assert.Equal(t, 1, c.Pending())

	p.recv(Frame{ID: ConnectID, Type: FrameResolve, Value: &Value{Kind: KindHandle}})
	v, err := connected.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, c, v)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Pending())

	c.Connect()
	assert.Len(t, p.frames(), 2)
}

func TestIncomingConnectWhileIdle(t *testing.T) {
	ctx := testCtx(t)
	p := &mockPort{}
	c, err := New(p, nil, WithAutoConnect(false))
	require.NoError(t, err)

	p.recv(Frame{ID: ConnectID, Type: FrameConnect})

	// the peer's attempt starts our own handshake, the reply waits until we are connected
	assert.Equal(t, []Frame{connectFrame}, p.frames())
	assert.Equal(t, StateConnecting, c.State())

	p.recv(Frame{ID: ConnectID, Type: FrameResolve})
	_, err = c.Connected().Wait(ctx)
	require.NoError(t, err)

	frames := p.waitFrames(t, 2)
	assert.Equal(t, Frame{PC: true, ID: ConnectID, Type: FrameResolve, Value: &Value{Kind: KindHandle}}, frames[1])
}

func TestIncomingConnectWhileConnecting(t *testing.T) {
	ctx := testCtx(t)
	core, logs := observer.New(zap.DebugLevel)
	p := &mockPort{}
	c, err := New(p, nil, WithLogger(zap.New(core)))
	require.NoError(t, err)

	p.recv(Frame{ID: ConnectID, Type: FrameConnect})
	assert.Equal(t, StateConnected, c.State())
	v, err := c.Connected().Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, c, v)

	frames := p.waitFrames(t, 2)
	require.Len(t, frames, 2)
	assert.Equal(t, connectFrame, frames[0])
	assert.Equal(t, FrameResolve, frames[1].Type)
	assert.Equal(t, ConnectID, frames[1].ID)

	// the peer's answer to our own connect arrives late and is ignored
	p.recv(Frame{ID: ConnectID, Type: FrameResolve})
	assert.Equal(t, 1, logs.FilterMessage("dropping reply for unknown request").Len())
	assert.Equal(t, StateConnected, c.State())
}

func TestIncomingConnectWhenConnected(t *testing.T) {
	p := &mockPort{}
	c, err := New(p, nil)
	require.NoError(t, err)
	p.recv(Frame{ID: ConnectID, Type: FrameResolve})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	p.recv(Frame{ID: ConnectID, Type: FrameConnect})
	frames := p.waitFrames(t, 2)
	assert.Equal(t, FrameResolve, frames[1].Type)

	var connects int
	for _, f := range p.frames() {
		if f.Type == FrameConnect {
			connects++
		}
	}
	assert.Equal(t, 1, connects)
}

func TestInvokeSettlesFromReply(t *testing.T) {
	ctx := testCtx(t)
	p := &mockPort{}
	c, err := New(p, nil, WithAutoConnect(false), WithIDGenerator(sequentialIDs()))
	require.NoError(t, err)

	sum := c.Invoke("add", 1, 2)
	fail := c.Invoke("fail")
	assert.Equal(t, []Frame{
		{PC: true, ID: "id-1", Type: FrameInvoke, Method: "add", Args: []Value{{Kind: KindScalar, Scalar: 1}, {Kind: KindScalar, Scalar: 2}}},
		{PC: true, ID: "id-2", Type: FrameInvoke, Method: "fail", Args: []Value{}},
	}, p.frames())
	assert.Equal(t, 2, c.Pending())

	p.recv(Frame{ID: "id-1", Type: FrameResolve, Value: &Value{Kind: KindScalar, Scalar: 3}})
	v, err := sum.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	p.recv(Frame{ID: "id-2", Type: FrameReject, Value: &Value{Kind: KindError, Err: &RemoteError{Message: "boom", Code: "E1"}}})
	_, err = fail.Wait(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, "E1", remote.Code)
	assert.Equal(t, 0, c.Pending())

	// a second reply for the same id is dropped
	p.recv(Frame{ID: "id-1", Type: FrameResolve, Value: &Value{Kind: KindScalar, Scalar: 4}})
	v, err = sum.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestRejectWithNonError(t *testing.T) {
	ctx := testCtx(t)
	p := &mockPort{}
	c, err := New(p, nil, WithAutoConnect(false), WithIDGenerator(sequentialIDs()))
	require.NoError(t, err)

	fut := c.Invoke("x")
	p.recv(Frame{ID: "id-1", Type: FrameReject, Value: &Value{Kind: KindScalar, Scalar: "nope"}})
	_, err = fut.Wait(ctx)
	assert.EqualError(t, err, "nope")
}

func TestDispatch(t *testing.T) {
	release := future.New()
	local := Methods{
		"echo": func(ctx context.Context, args ...any) (any, error) {
			return args, nil
		},
		"fail": func(ctx context.Context, args ...any) (any, error) {
			return nil, NewError("E_BAD", "bad input")
		},
		"panic": func(ctx context.Context, args ...any) (any, error) {
			panic("oops")
		},
		"later": func(ctx context.Context, args ...any) (any, error) {
			return release, nil
		},
		"lateFailure": func(ctx context.Context, args ...any) (any, error) {
			f := future.New()
			time.AfterFunc(20*time.Millisecond, func() { f.Reject(NewError("E_LATE", "late")) })
			return f, nil
		},
		"adoptedFailure": func(ctx context.Context, args ...any) (any, error) {
			outer := future.New()
			outer.Resolve(future.Rejected(NewError("E_LATE", "late")))
			return outer, nil
		},
		"nilRemoteError": func(ctx context.Context, args ...any) (any, error) {
			var e *RemoteError
			return nil, e
		},
		"nilCustomError": func(ctx context.Context, args ...any) (any, error) {
			var e *derefError
			return nil, e
		},
	}

	cases := []struct {
		name   string
		method string
		args   []Value
		before func()

		expType  FrameType
		expValue Value
	}{
		{
			name:     "resolves with the result",
			method:   "echo",
			args:     []Value{{Kind: KindScalar, Scalar: "a"}, {Kind: KindScalar, Scalar: 1.0}},
			expType:  FrameResolve,
			expValue: Value{Kind: KindList, List: []Value{{Kind: KindScalar, Scalar: "a"}, {Kind: KindScalar, Scalar: 1.0}}},
		},
		{
			name:     "unknown method",
			method:   "nope",
			expType:  FrameReject,
			expValue: Value{Kind: KindError, Err: &RemoteError{Message: "Unknown method nope"}},
		},
		{
			name:     "method error keeps its code",
			method:   "fail",
			expType:  FrameReject,
			expValue: Value{Kind: KindError, Err: &RemoteError{Message: "bad input", Code: "E_BAD"}},
		},
		{
			name:     "panic becomes a rejection",
			method:   "panic",
			expType:  FrameReject,
			expValue: Value{Kind: KindError, Err: &RemoteError{Message: "method panic panicked: oops"}},
		},
		{
			name:     "deferred result is awaited",
			method:   "later",
			before:   func() { time.AfterFunc(20*time.Millisecond, func() { release.Resolve(future.Resolved("done")) }) },
			expType:  FrameResolve,
			expValue: Value{Kind: KindScalar, Scalar: "done"},
		},
		{
			name:     "deferred rejection is sent as a reject",
			method:   "lateFailure",
			expType:  FrameReject,
			expValue: Value{Kind: KindError, Err: &RemoteError{Message: "late", Code: "E_LATE"}},
		},
		{
			name:     "adopted rejection is sent as a reject",
			method:   "adoptedFailure",
			expType:  FrameReject,
			expValue: Value{Kind: KindError, Err: &RemoteError{Message: "late", Code: "E_LATE"}},
		},
		{
			name:     "nil RemoteError is still a rejection",
			method:   "nilRemoteError",
			expType:  FrameReject,
			expValue: Value{Kind: KindError, Err: &RemoteError{Message: "<nil>"}},
		},
		{
			name:     "panicking Error method becomes a rejection",
			method:   "nilCustomError",
			expType:  FrameReject,
			expValue: Value{Kind: KindError, Err: &RemoteError{Message: "building reply: runtime error: invalid memory address or nil pointer dereference"}},
		},
	}
	for i, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &mockPort{}
			_, err := New(p, local, WithAutoConnect(false))
			require.NoError(t, err)
			if c.before != nil {
				c.before()
			}

			id := fmt.Sprintf("req-%d", i)
			p.recv(Frame{ID: id, Type: FrameInvoke, Method: c.method, Args: c.args})

			reply := p.waitReply(t, id)
			assert.Equal(t, c.expType, reply.Type)
			require.NotNil(t, reply.Value)
			assert.Equal(t, c.expValue, *reply.Value)
			assert.Len(t, p.frames(), 1)
		})
	}
}

// derefError reads a field in Error, so a nil *derefError panics when formatted.
type derefError struct{ msg string }

func (e *derefError) Error() string { return e.msg }

func TestLocalCanChange(t *testing.T) {
	p := &mockPort{}
	api := NewAPI()
	c, err := New(p, api, WithAutoConnect(false))
	require.NoError(t, err)

	p.recv(Frame{ID: "1", Type: FrameInvoke, Method: "ping"})
	assert.Equal(t, FrameReject, p.waitReply(t, "1").Type)

	api.Register("ping", func(ctx context.Context, args ...any) (any, error) { return "pong", nil })
	p.recv(Frame{ID: "2", Type: FrameInvoke, Method: "ping"})
	assert.Equal(t, Frame{PC: true, ID: "2", Type: FrameResolve, Value: &Value{Kind: KindScalar, Scalar: "pong"}}, p.waitReply(t, "2"))

	c.SetLocal(nil)
	p.recv(Frame{ID: "3", Type: FrameInvoke, Method: "ping"})
	assert.Equal(t, FrameReject, p.waitReply(t, "3").Type)
}

func TestFramesAreFiltered(t *testing.T) {
	p := &mockPort{}
	local := Methods{"ping": func(ctx context.Context, args ...any) (any, error) { return "pong", nil }}
	_, err := New(p, local, WithAutoConnect(false), WithMessageKey("secret"))
	require.NoError(t, err)

	p.deliver(Frame{ID: "untagged", Type: FrameInvoke, Method: "ping", Key: "secret"})
	p.deliver("not a frame")
	p.deliver(42)
	p.recv(Frame{ID: "nokey", Type: FrameInvoke, Method: "ping"})
	p.recv(Frame{ID: "wrongkey", Type: FrameInvoke, Method: "ping", Key: "guess"})
	p.recv(Frame{ID: "ok", Type: FrameInvoke, Method: "ping", Key: "secret"})

	reply := p.waitReply(t, "ok")
	assert.Equal(t, "secret", reply.Key)
	assert.Never(t, func() bool { return len(p.frames()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestUnknownFrameTypeIsAnswered(t *testing.T) {
	p := &mockPort{}
	_, err := New(p, nil, WithAutoConnect(false))
	require.NoError(t, err)

	p.recv(Frame{ID: "x", Type: "subscribe"})
	assert.Equal(t, Frame{PC: true, ID: "x", Type: FrameResolve, Value: &Value{}}, p.waitReply(t, "x"))
}

func TestCloseRejectsPending(t *testing.T) {
	ctx := testCtx(t)
	p := &mockPort{}
	c, err := New(p, nil)
	require.NoError(t, err)

	fut := c.Invoke("slow")
	require.NoError(t, c.Close())

	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Connected().Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, c.Pending())
	assert.True(t, p.closed)

	_, err = c.Invoke("after").Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close())
}

func TestSendFailureRejects(t *testing.T) {
	ctx := testCtx(t)
	p := &mockPort{sendErr: errors.New("broken pipe")}
	c, err := New(p, nil)
	require.NoError(t, err)

	_, err = c.Invoke("x").Wait(ctx)
	assert.ErrorContains(t, err, "broken pipe")
	_, err = c.Connected().Wait(ctx)
	assert.ErrorContains(t, err, "broken pipe")
	assert.Equal(t, 0, c.Pending())
}

// countingPort counts the frames sent through it by type.
type countingPort struct {
	port.Port

	m      sync.Mutex
	counts map[FrameType]int
}

func (p *countingPort) Send(data any) error {
	p.m.Lock()
	if p.counts == nil {
		p.counts = map[FrameType]int{}
	}
	p.counts[data.(Frame).Type]++
	p.m.Unlock()
	return p.Port.Send(data)
}

func (p *countingPort) count(t FrameType) int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.counts[t]
}

func TestPipePair(t *testing.T) {
	ctx := testCtx(t)
	a, b := port.NewPipe()
	pa, pb := &countingPort{Port: a}, &countingPort{Port: b}

	add := Methods{"add": func(ctx context.Context, args ...any) (any, error) {
		sum := 0
		for _, arg := range args {
			n, ok := arg.(int)
			if !ok {
				return nil, fmt.Errorf("not an int: %v", arg)
			}
			sum += n
		}
		return sum, nil
	}}
	ca, err := New(pa, add)
	require.NoError(t, err)
	cb, err := New(pb, add)
	require.NoError(t, err)
	t.Cleanup(func() { ca.Close() })

	_, err = ca.Connected().Wait(ctx)
	require.NoError(t, err)
	_, err = cb.Connected().Wait(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, pa.count(FrameConnect)+pb.count(FrameConnect), 2)

	v, err := ca.Invoke("add", 1, 2, 3).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	_, err = cb.Invoke("add", "x").Wait(ctx)
	assert.EqualError(t, err, "not an int: x")
}

func TestSocketPairConcurrentInvokes(t *testing.T) {
	ctx := testCtx(t)
	a, b, err := port.SocketPairFactory(zap.NewNop().Sugar())()
	require.NoError(t, err)

	double := Methods{"double": func(ctx context.Context, args ...any) (any, error) {
		return args[0].(float64) * 2, nil
	}}
	ca, err := New(a, nil)
	require.NoError(t, err)
	cb, err := New(b, double)
	require.NoError(t, err)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})

	_, err = ca.Connected().Wait(ctx)
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			v, err := ca.Invoke("double", i).Wait(gctx)
			if err != nil {
				return err
			}
			if v != float64(i*2) {
				return fmt.Errorf("double(%d) = %v", i, v)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, ca.Pending())
}

func TestUnencodableResultIsRejected(t *testing.T) {
	ctx := testCtx(t)
	a, b, err := port.SocketPairFactory(zap.NewNop().Sugar())()
	require.NoError(t, err)

	local := Methods{
		"nan": func(ctx context.Context, args ...any) (any, error) {
			return math.NaN(), nil
		},
		"func": func(ctx context.Context, args ...any) (any, error) {
			return func() {}, nil
		},
	}
	cli, err := New(a, nil)
	require.NoError(t, err)
	srv, err := New(b, local)
	require.NoError(t, err)
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	_, err = cli.Connected().Wait(ctx)
	require.NoError(t, err)

	for _, method := range []string{"nan", "func"} {
		t.Run(method, func(t *testing.T) {
			_, err := cli.Invoke(method).Wait(ctx)
			var remote *RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Contains(t, remote.Message, "encoding result: ")
			assert.Equal(t, 0, cli.Pending())
		})
	}

	// the connection keeps working after a failed reply
	v, err := cli.Invoke("missing").Wait(ctx)
	assert.Nil(t, v)
	assert.EqualError(t, err, "Unknown method missing")
}
