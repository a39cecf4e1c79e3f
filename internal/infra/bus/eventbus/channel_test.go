package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/eventflow/errs"
)

func mustChannel(t *testing.T, reg *Registry, name string, cfg ChannelConfig) *Channel {
	t.Helper()
	ch, err := reg.RegisterOrGet(name, cfg)
	require.NoError(t, err)
	return ch
}

func publishN(t *testing.T, ch *Channel, n int) []Outcome {
	t.Helper()
	outcomes := make([]Outcome, 0, n)
	for i := 0; i < n; i++ {
		outcome, err := ch.Publish(context.Background(), Event{Topic: ch.Topic(), Payload: i})
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func TestChannelDropsWithoutSubscribers(t *testing.T) {
	for _, policy := range []OverflowPolicy{Suspend, DropOldest, DropLatest} {
		t.Run(policy.String(), func(t *testing.T) {
			reg := newTestRegistry(t)
			ch := mustChannel(t, reg, "/empty", channelConfig(1, policy, false))

			done := make(chan []Outcome, 1)
			go func() {
				outcomes := make([]Outcome, 0, 5)
				for i := 0; i < 5; i++ {
					outcome, _ := ch.Publish(context.Background(), Event{Topic: ch.Topic(), Payload: i})
					outcomes = append(outcomes, outcome)
				}
				done <- outcomes
			}()

			select {
			case outcomes := <-done:
				for _, outcome := range outcomes {
					require.Equal(t, DroppedNoSubscribers, outcome)
				}
			case <-time.After(time.Second):
				ch.Stop()
				<-done
				t.Fatal("publish without subscribers blocked")
			}
			require.Zero(t, ch.Buffered())
			require.False(t, ch.HasSubscribers())
		})
	}
}

func TestChannelDropOldestKeepsNewest(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/oldest", channelConfig(4, DropOldest, false))
	_, err := ch.Attach()
	require.NoError(t, err)

	outcomes := publishN(t, ch, 6)
	require.Equal(t, []Outcome{Delivered, Delivered, Delivered, Delivered, EvictedOldest, EvictedOldest}, outcomes)
	require.Equal(t, []any{2, 3, 4, 5}, payloads(ch.Pending()))
}

func TestChannelDropLatestKeepsFirst(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/latest", channelConfig(4, DropLatest, false))
	_, err := ch.Attach()
	require.NoError(t, err)

	outcomes := publishN(t, ch, 6)
	require.Equal(t, DroppedOverflow, outcomes[4])
	require.Equal(t, DroppedOverflow, outcomes[5])
	require.Equal(t, []any{0, 1, 2, 3}, payloads(ch.Pending()))
}

func TestChannelLaggingSubscriberSkipsEvictedEvents(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/lag", channelConfig(2, DropOldest, false))
	tok, err := ch.Attach()
	require.NoError(t, err)

	publishN(t, ch, 5)

	ctx := context.Background()
	first, err := ch.Next(ctx, tok)
	require.NoError(t, err)
	second, err := ch.Next(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, []any{3, 4}, []any{first.Payload, second.Payload})
	require.Zero(t, ch.Buffered())
}

func TestChannelSuspendBlocksUntilConsumed(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/suspend", channelConfig(2, Suspend, false))
	tok, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 2)

	result := make(chan Outcome, 1)
	go func() {
		outcome, _ := ch.Publish(context.Background(), Event{Topic: "/suspend", Payload: 2})
		result <- outcome
	}()

	select {
	case outcome := <-result:
		t.Fatalf("publish returned %s while the buffer was full", outcome)
	case <-time.After(50 * time.Millisecond):
	}

	evt, err := ch.Next(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, 0, evt.Payload)

	select {
	case outcome := <-result:
		require.Equal(t, Delivered, outcome)
	case <-time.After(time.Second):
		t.Fatal("suspended publisher was not released after consumption")
	}
	require.Equal(t, []any{1, 2}, payloads(ch.Pending()))
}

func TestChannelSuspendReleasedByStop(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/suspend/stop", channelConfig(1, Suspend, false))
	_, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 1)

	result := make(chan Outcome, 1)
	go func() {
		outcome, _ := ch.Publish(context.Background(), Event{Payload: "blocked"})
		result <- outcome
	}()
	time.Sleep(20 * time.Millisecond)
	ch.Stop()

	select {
	case outcome := <-result:
		require.Equal(t, DroppedStopped, outcome)
	case <-time.After(time.Second):
		t.Fatal("stop did not release the suspended publisher")
	}
}

func TestChannelSuspendReleasedByLastDetach(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/suspend/detach", channelConfig(1, Suspend, false))
	tok, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 1)

	result := make(chan Outcome, 1)
	go func() {
		outcome, _ := ch.Publish(context.Background(), Event{Payload: "blocked"})
		result <- outcome
	}()
	time.Sleep(20 * time.Millisecond)
	ch.Detach(tok)

	select {
	case outcome := <-result:
		require.Equal(t, DroppedNoSubscribers, outcome)
	case <-time.After(time.Second):
		t.Fatal("detach did not release the suspended publisher")
	}
}

func TestChannelSuspendHonoursContext(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/suspend/ctx", channelConfig(1, Suspend, false))
	_, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.Publish(ctx, Event{Payload: "late"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, ch.Buffered())
}

func TestChannelValve(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/valve", channelConfig(8, DropOldest, true))
	_, err := ch.Attach()
	require.NoError(t, err)

	require.True(t, ch.ValveOpen())
	require.True(t, ch.SwitchValve(false))
	require.False(t, ch.ValveOpen())

	outcome, err := ch.Publish(context.Background(), Event{Payload: "closed"})
	require.NoError(t, err)
	require.Equal(t, DroppedValve, outcome)
	require.Zero(t, ch.Buffered())

	require.True(t, ch.SwitchValve(true))
	outcome, err = ch.Publish(context.Background(), Event{Payload: "open"})
	require.NoError(t, err)
	require.Equal(t, Delivered, outcome)
	require.Equal(t, []any{"open"}, payloads(ch.Pending()))
}

func TestChannelWithoutValveRejectsSwitch(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/novalve", DefaultChannelConfig())
	require.False(t, ch.SwitchValve(false))
	require.True(t, ch.ValveOpen())
}

func TestChannelMulticastSharesOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/multi", DefaultChannelConfig())
	a, err := ch.Attach()
	require.NoError(t, err)
	b, err := ch.Attach()
	require.NoError(t, err)
	require.Equal(t, 2, ch.SubscriberCount())

	publishN(t, ch, 3)

	ctx := context.Background()
	for _, tok := range []Token{a, b} {
		for want := 0; want < 3; want++ {
			evt, err := ch.Next(ctx, tok)
			require.NoError(t, err)
			require.Equal(t, want, evt.Payload)
		}
	}
	require.Zero(t, ch.Buffered(), "events read by every subscriber must be released")
}

func TestChannelSlowestSubscriberHoldsBuffer(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/slow", DefaultChannelConfig())
	fast, err := ch.Attach()
	require.NoError(t, err)
	_, err = ch.Attach()
	require.NoError(t, err)

	publishN(t, ch, 3)
	for i := 0; i < 3; i++ {
		_, err := ch.Next(context.Background(), fast)
		require.NoError(t, err)
	}
	require.Equal(t, 3, ch.Buffered())
}

func TestChannelLateAttachSkipsHistory(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/late", DefaultChannelConfig())
	_, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 1)

	late, err := ch.Attach()
	require.NoError(t, err)
	_, err = ch.Publish(context.Background(), Event{Payload: "after"})
	require.NoError(t, err)

	evt, err := ch.Next(context.Background(), late)
	require.NoError(t, err)
	require.Equal(t, "after", evt.Payload)
}

func TestChannelNextHonoursContext(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/wait", DefaultChannelConfig())
	tok, err := ch.Attach()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = ch.Next(ctx, tok)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestChannelNextWakesOnPublish(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/wake", DefaultChannelConfig())
	tok, err := ch.Attach()
	require.NoError(t, err)

	got := make(chan Event, 1)
	go func() {
		evt, err := ch.Next(context.Background(), tok)
		if err == nil {
			got <- evt
		}
		close(got)
	}()
	time.Sleep(20 * time.Millisecond)
	_, err = ch.Publish(context.Background(), Event{Payload: "wake"})
	require.NoError(t, err)

	select {
	case evt := <-got:
		require.Equal(t, "wake", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("waiting reader was not woken")
	}
}

func TestChannelStop(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/stop", DefaultChannelConfig())
	tok, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 3)

	ch.Stop()
	ch.Stop()

	require.True(t, ch.IsStopped())
	require.Zero(t, ch.SubscriberCount())
	require.Zero(t, ch.Buffered())

	_, err = ch.Next(context.Background(), tok)
	require.True(t, errs.IsCode(err, errs.CodeChannelStopped), "got %v", err)

	_, err = ch.Attach()
	require.True(t, errs.IsCode(err, errs.CodeChannelStopped), "got %v", err)

	outcome, err := ch.Publish(context.Background(), Event{Payload: "late"})
	require.NoError(t, err)
	require.Equal(t, DroppedStopped, outcome)

	select {
	case <-ch.Done():
	default:
		t.Fatal("done channel must be closed after stop")
	}
}

func TestChannelDetach(t *testing.T) {
	reg := newTestRegistry(t)
	ch := mustChannel(t, reg, "/detach", DefaultChannelConfig())
	tok, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 3)

	ch.Detach(tok)
	ch.Detach(tok)
	ch.Detach("unknown")

	require.Zero(t, ch.SubscriberCount())
	require.Zero(t, ch.Buffered())

	_, err = ch.Next(context.Background(), tok)
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "got %v", err)
}

func TestChannelInfo(t *testing.T) {
	reg := newTestRegistry(t)
	cfg := channelConfig(16, DropLatest, true)
	ch := mustChannel(t, reg, "/info", cfg)
	_, err := ch.Attach()
	require.NoError(t, err)
	publishN(t, ch, 2)
	ch.SwitchValve(false)

	require.Equal(t, ChannelInfo{
		Topic:       "/info",
		Config:      cfg,
		Subscribers: 1,
		Buffered:    2,
		ValveOpen:   false,
	}, ch.Info())
}
