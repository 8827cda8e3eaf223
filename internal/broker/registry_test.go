package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/device/devicetest"
)

func testSignature() Signature {
	return Signature{Device: testDevice.Identity(), Path: "ping", Params: "address=8.8.8.8"}
}

func openTestStream(t *testing.T) device.Stream {
	t.Helper()
	conn, err := (&devicetest.Driver{}).Connect(context.Background(), testDevice)
	require.NoError(t, err)
	st, err := conn.OpenStream(context.Background(), "ping", nil)
	require.NoError(t, err)
	return st
}

func TestRegistry_PumpHeldUntilJoinersSettle(t *testing.T) {
	r := newRegistry()
	sig := testSignature()
	opener := &Subscription{ID: "a", Mode: ModeDirect}
	joiner := &Subscription{ID: "b", Mode: ModeDirect}

	ps, first := r.join(sig, nil)
	require.True(t, first)
	same, first := r.join(sig, nil)
	require.False(t, first)
	require.Same(t, ps, same)

	r.opened(ps, nil, openTestStream(t), opener)
	r.settle(ps)
	select {
	case <-ps.start:
		t.Fatal("pump released before the joiner attached")
	default:
	}

	ok, cause := r.attach(ps, joiner)
	require.True(t, ok)
	require.NoError(t, cause)
	r.settle(ps)

	select {
	case <-ps.start:
	case <-time.After(time.Second):
		t.Fatal("pump never released")
	}
	assert.Len(t, ps.subscribers(ModeDirect), 2)
}

func TestRegistry_AttachAfterEnd(t *testing.T) {
	for _, c := range []struct {
		name  string
		cause error
	}{
		{"natural", nil},
		{"dropped", device.ErrConnectionLost},
	} {
		t.Run(c.name, func(t *testing.T) {
			r := newRegistry()
			sig := testSignature()

			ps, _ := r.join(sig, nil)
			r.opened(ps, nil, openTestStream(t), &Subscription{ID: "a"})
			r.settle(ps)

			late, _ := r.join(sig, nil)
			subs, ended := r.end(ps, c.cause)
			require.True(t, ended)
			assert.Len(t, subs, 1)

			ok, cause := r.attach(late, &Subscription{ID: "b"})
			assert.False(t, ok)
			assert.Equal(t, c.cause, cause)
		})
	}
}

func TestRegistry_JoinWaitsForClosingStream(t *testing.T) {
	r := newRegistry()
	sig := testSignature()
	sub := &Subscription{ID: "a"}

	ps, _ := r.join(sig, nil)
	r.opened(ps, nil, openTestStream(t), sub)
	r.settle(ps)
	closing := r.detach(sig, sub)
	require.Same(t, ps, closing)

	joined := make(chan *physicalStream, 1)
	go func() {
		next, opener := r.join(sig, nil)
		if opener {
			joined <- next
		} else {
			joined <- nil
		}
	}()

	select {
	case <-joined:
		t.Fatal("join reused a stream that is still closing")
	case <-time.After(50 * time.Millisecond):
	}

	r.unlink(closing)
	select {
	case next := <-joined:
		require.NotNil(t, next, "join after unlink must open a new stream")
		assert.NotSame(t, closing, next)
	case <-time.After(time.Second):
		t.Fatal("join still blocked after unlink")
	}
}
