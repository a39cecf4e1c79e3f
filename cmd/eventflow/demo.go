package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cobra"

	"github.com/coachpo/eventflow/internal/adapters/watermillbus"
	"github.com/coachpo/eventflow/pkg/eventflow"
)

const demoWait = 2 * time.Second

type orderPlaced struct {
	ID     string
	Amount int
}

func newDemoCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through subscribe, publish, valve and removal in-process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logOut := io.Discard
			if verbose {
				logOut = cmd.ErrOrStderr()
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), newLogger(logOut))
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Print bus logs to stderr")
	return cmd
}

// demoRun collects handler output so each step prints deterministically.
type demoRun struct {
	out      io.Writer
	received chan string
}

func (d *demoRun) record(format string, args ...any) {
	d.received <- fmt.Sprintf(format, args...)
}

func (d *demoRun) step(title string) {
	fmt.Fprintf(d.out, "== %s\n", title)
}

func (d *demoRun) expect(n int) error {
	lines := make([]string, 0, n)
	timeout := time.After(demoWait)
	for len(lines) < n {
		select {
		case line := <-d.received:
			lines = append(lines, line)
		case <-timeout:
			return fmt.Errorf("demo: expected %d deliveries, got %d", n, len(lines))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintf(d.out, "   %s\n", line)
	}
	return nil
}

func runDemo(ctx context.Context, out io.Writer, logger *log.Logger) error {
	bus := eventflow.New(eventflow.WithLogger(logger))
	if err := bus.Initialize(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), demoWait)
		defer cancel()
		_ = bus.Shutdown(shutdownCtx)
	}()

	d := &demoRun{out: out, received: make(chan string, 16)}

	d.step("subscribe")
	for _, name := range []string{"/demo/orders", "/demo/orders/eu", "/demo/ordersarchive"} {
		topicName := name
		_, err := eventflow.Subscribe[string](ctx, bus, topicName,
			func(v string) { d.record("%s <- %q", topicName, v) },
			func(err error) { d.record("%s error: %v", topicName, err) },
			eventflow.WithOnComplete(func() { d.record("%s completed", topicName) }))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "   subscribed %s\n", topicName)
	}

	d.step("publish /demo/orders")
	if err := bus.Publish(ctx, "/demo/orders", "first", false); err != nil {
		return err
	}
	if err := d.expect(1); err != nil {
		return err
	}

	d.step("recursive publish /demo/orders")
	if err := bus.Publish(ctx, "/demo/orders", "everyone", true); err != nil {
		return err
	}
	if err := d.expect(3); err != nil {
		return err
	}

	d.step("type mismatch")
	if err := bus.Publish(ctx, "/demo/orders/eu", 42, false); err != nil {
		return err
	}
	if err := d.expect(1); err != nil {
		return err
	}

	d.step("typed topic")
	_, err := eventflow.SubscribeFor[orderPlaced](ctx, bus,
		func(o orderPlaced) { d.record("%s <- order %s amount=%d", eventflow.TopicOf[orderPlaced](bus), o.ID, o.Amount) }, nil)
	if err != nil {
		return err
	}
	if err := eventflow.PublishFor(ctx, bus, orderPlaced{ID: "o-1", Amount: 3}, false); err != nil {
		return err
	}
	if err := d.expect(1); err != nil {
		return err
	}

	d.step("valve")
	gated, err := bus.NewBuilder().SetTopic("/demo/gated").WithValve().SetBufferSize(8).Build()
	if err != nil {
		return err
	}
	if _, err := eventflow.Subscribe[string](ctx, bus, gated.Topic(), func(v string) { d.record("/demo/gated <- %q", v) }, nil); err != nil {
		return err
	}
	if _, err := bus.SwitchValve(gated.Topic(), false); err != nil {
		return err
	}
	if err := bus.Publish(ctx, gated.Topic(), "while closed", false); err != nil {
		return err
	}
	if _, err := bus.SwitchValve(gated.Topic(), true); err != nil {
		return err
	}
	if err := bus.Publish(ctx, gated.Topic(), "while open", false); err != nil {
		return err
	}
	if err := d.expect(1); err != nil {
		return err
	}

	d.step("watermill bridge")
	if err := demoWatermill(ctx, bus, d); err != nil {
		return err
	}

	d.step("remove /demo/orders")
	removed, err := bus.Remove("/demo/orders")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "   removed %d topics\n", removed)
	if err := d.expect(removed); err != nil {
		return err
	}

	topics, err := bus.Topics()
	if err != nil {
		return err
	}
	d.step("remaining topics")
	for _, name := range topics {
		fmt.Fprintf(out, "   %s\n", name)
	}
	return nil
}

func demoWatermill(ctx context.Context, bus *eventflow.EventFlow, d *demoRun) error {
	sub := watermillbus.NewSubscriber(bus, watermillbus.SubscriberConfig{}, watermill.NopLogger{})
	defer func() { _ = sub.Close() }()

	messages, err := sub.Subscribe(ctx, "/demo/bridge")
	if err != nil {
		return err
	}
	pub := watermillbus.NewPublisher(bus, watermill.NopLogger{})
	if err := pub.Publish("/demo/bridge", message.NewMessage(watermill.NewUUID(), []byte("bridged payload"))); err != nil {
		return err
	}

	select {
	case msg := <-messages:
		d.record("/demo/bridge <- %q", string(msg.Payload))
		msg.Ack()
	case <-time.After(demoWait):
		return fmt.Errorf("demo: watermill message not received")
	}
	return d.expect(1)
}
