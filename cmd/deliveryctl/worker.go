package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	wamqp "github.com/flowmesh/delivery/amqp"
	"github.com/flowmesh/delivery/cli"
	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/errors"
	tamqp "github.com/flowmesh/delivery/transport/amqp"
)

// demandWindow is the number of additional sequence numbers requested
// ahead of the last confirmed one; a real consumer controller would
// make this configurable, this demo keeps a single fixed value.
const demandWindow = delivery.SeqNr(10)

// workerCmd runs the minimal consumer side of the protocol: the
// producer and router sides are the reusable core, consumers are
// external, so this is just enough demand/ack bookkeeping to exercise
// a real ProducerController or WorkPullingRouter end to end over
// transport/amqp.
func workerCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "worker",
		Short: "Consume sequenced messages from an inbox queue, printing each payload",
		RunE:  runWorker,
	}
	if err := commonFlags(c); err != nil {
		panic(err)
	}
	if err := cli.SetupCommandParams(c, []cli.Param{
		{Name: "inbox", ByDefault: "worker-1.inbox", Usage: "queue this worker consumes sequenced messages from"},
		{Name: "control-queue", ByDefault: "worker-1.control", Usage: "queue this worker's Request/Ack/Resend frames are sent from"},
	}); err != nil {
		panic(err)
	}
	return c
}

func runWorker(cmd *cobra.Command, _ []string) error {
	broker, _ := cmd.Flags().GetString("broker")
	exchange, _ := cmd.Flags().GetString("exchange")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	logPretty, _ := cmd.Flags().GetBool("log-pretty")
	inbox, _ := cmd.Flags().GetString("inbox")
	controlQueue, _ := cmd.Flags().GetString("control-queue")

	log := newLogger(logPretty).WithField("component", "worker")

	if _, err := serveMetrics(metricsAddr, log); err != nil {
		return errors.Wrap(err, "start metrics server")
	}

	publisher, err := wamqp.NewPublisher(broker, wamqp.WithLogger(log))
	if err != nil {
		return errors.Wrap(err, "connect publisher")
	}
	defer func() { _ = publisher.Close() }()

	consumer, err := wamqp.NewConsumer(broker, wamqp.WithLogger(log))
	if err != nil {
		return errors.Wrap(err, "connect consumer")
	}
	defer func() { _ = consumer.Close() }()
	if _, err := consumer.AddQueue(wamqp.Queue{Name: inbox, Durable: true}); err != nil {
		return errors.Wrap(err, "declare inbox queue")
	}

	control := tamqp.NewControlEndpoint(publisher, tamqp.Address{Exchange: exchange, RoutingKey: controlQueue})

	w := &worker{control: control}
	listener := tamqp.NewDataListener[string](consumer, control, w.handle).WithLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-cli.SignalsHandler([]os.Signal{syscall.SIGINT, syscall.SIGTERM})
		cancel()
	}()
	return listener.Run(ctx, inbox)
}

// worker tracks just enough state to keep a flow-controlled demand
// window open against whichever ProducerController or WorkPullingRouter
// worker slot is sending it messages.
type worker struct {
	control       delivery.ControlEndpoint
	confirmed     delivery.SeqNr
	requestedUpTo delivery.SeqNr
}

func (w *worker) handle(msg delivery.SequencedMessage[string]) error {
	fmt.Printf("[seq %d] %s\n", msg.SeqNr, msg.Payload)

	if msg.First {
		w.requestedUpTo = msg.SeqNr - 1 + demandWindow
		if err := w.control.Request(delivery.Request{
			ConfirmedSeqNr: msg.SeqNr - 1,
			UpToSeqNr:      w.requestedUpTo,
			SupportResend:  true,
		}); err != nil {
			return errors.Wrap(err, "send initial request")
		}
	}

	w.confirmed = msg.SeqNr
	if msg.Ack {
		if err := w.control.Ack(delivery.Ack{ConfirmedSeqNr: w.confirmed}); err != nil {
			return errors.Wrap(err, "send ack")
		}
	}

	if w.confirmed+demandWindow/2 >= w.requestedUpTo {
		w.requestedUpTo = w.confirmed + demandWindow
		if err := w.control.Request(delivery.Request{
			ConfirmedSeqNr: w.confirmed,
			UpToSeqNr:      w.requestedUpTo,
			SupportResend:  true,
		}); err != nil {
			return errors.Wrap(err, "extend demand window")
		}
	}
	return nil
}
