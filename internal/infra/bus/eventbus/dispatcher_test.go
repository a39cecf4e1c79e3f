package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/eventflow/errs"
)

func TestDispatcherRejectsInvalidInput(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg)

	err := d.Publish(context.Background(), "", "payload", false)
	require.True(t, errs.IsCode(err, errs.CodeInvalidTopic), "got %v", err)

	err = d.Publish(context.Background(), "/bad topic", "payload", true)
	require.True(t, errs.IsCode(err, errs.CodeInvalidTopic), "got %v", err)

	err = d.Publish(context.Background(), "/ok", nil, false)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)
	require.Zero(t, reg.Len(), "publish must never register topics")
}

func TestDispatcherExactPublishSkipsAbsentAndIdleTopics(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg)

	require.NoError(t, d.Publish(context.Background(), "/absent", 1, false))

	idle := mustChannel(t, reg, "/idle", DefaultChannelConfig())
	require.NoError(t, d.Publish(context.Background(), "/idle", 1, false))
	require.Zero(t, idle.Buffered())
}

func TestDispatcherExactPublishTargetsOneChannel(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg)

	parent := mustChannel(t, reg, "/a/b", DefaultChannelConfig())
	child := mustChannel(t, reg, "/a/b/c", DefaultChannelConfig())
	for _, ch := range []*Channel{parent, child} {
		_, err := ch.Attach()
		require.NoError(t, err)
	}

	require.NoError(t, d.Publish(context.Background(), "/a/b", "only-parent", false))

	require.Equal(t, []any{"only-parent"}, payloads(parent.Pending()))
	require.Zero(t, child.Buffered())
	require.Equal(t, "/a/b", parent.Pending()[0].Topic)
}

func TestDispatcherRecursivePublishUsesLiteralPrefix(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg, WithFanoutWorkers(2))

	matched := map[string]*Channel{}
	for _, name := range []string{"/a/b", "/a/b/c", "/a/bc", "/x"} {
		ch := mustChannel(t, reg, name, DefaultChannelConfig())
		_, err := ch.Attach()
		require.NoError(t, err)
		matched[name] = ch
	}

	require.NoError(t, d.Publish(context.Background(), "/a/b", "fanout", true))

	for _, name := range []string{"/a/b", "/a/b/c", "/a/bc"} {
		require.Equal(t, []any{"fanout"}, payloads(matched[name].Pending()), name)
	}
	require.Zero(t, matched["/x"].Buffered())
}

func TestDispatcherRecursivePublishReachesDescendantsWithoutExactTopic(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg)
	child := mustChannel(t, reg, "/root/child", DefaultChannelConfig())
	_, err := child.Attach()
	require.NoError(t, err)

	require.NoError(t, d.Publish(context.Background(), "/root", 7, true))
	pending := child.Pending()
	require.Equal(t, []any{7}, payloads(pending))
	require.Equal(t, "/root/child", pending[0].Topic)
	require.Equal(t, "/root", pending[0].Origin)
}

func TestDispatcherSuspendedTargetDoesNotBlockSiblings(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg, WithFanoutWorkers(1))

	full := mustChannel(t, reg, "/s/full", channelConfig(1, Suspend, false))
	fullTok, err := full.Attach()
	require.NoError(t, err)
	_, err = full.Publish(context.Background(), Event{Payload: "occupying"})
	require.NoError(t, err)

	sibling := mustChannel(t, reg, "/s/sibling", DefaultChannelConfig())
	_, err = sibling.Attach()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- d.Publish(context.Background(), "/s", "fanout", true)
	}()

	require.Eventually(t, func() bool { return sibling.Buffered() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("publish returned while a Suspend target was still full")
	default:
	}

	evt, err := full.Next(context.Background(), fullTok)
	require.NoError(t, err)
	require.Equal(t, "occupying", evt.Payload)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not complete after the suspended target drained")
	}
	require.Equal(t, []any{"fanout"}, payloads(full.Pending()))
}

func TestDispatcherPublishReturnsContextError(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg)

	ch := mustChannel(t, reg, "/ctx", channelConfig(1, Suspend, false))
	_, err := ch.Attach()
	require.NoError(t, err)
	require.NoError(t, d.Publish(context.Background(), "/ctx", 1, false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = d.Publish(ctx, "/ctx", 2, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	err = d.Publish(ctx2, "/ctx", 3, true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcherPublishAfterRemoveIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	d := NewDispatcher(reg)
	ch := mustChannel(t, reg, "/gone", DefaultChannelConfig())
	_, err := ch.Attach()
	require.NoError(t, err)

	reg.RemovePrefix("/gone")
	require.NoError(t, d.Publish(context.Background(), "/gone", 1, false))
	require.NoError(t, d.Publish(context.Background(), "/gone", 1, true))
	require.Zero(t, ch.Buffered())
}
