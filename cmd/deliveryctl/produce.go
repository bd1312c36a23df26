package main

import (
	"bufio"
	"context"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	wamqp "github.com/flowmesh/delivery/amqp"
	"github.com/flowmesh/delivery/cli"
	"github.com/flowmesh/delivery/delivery"
	"github.com/flowmesh/delivery/errors"
	"github.com/flowmesh/delivery/metrics"
	tamqp "github.com/flowmesh/delivery/transport/amqp"
)

// produceCmd reads newline-delimited payloads from standard input and
// submits each one through a ProducerController bound to a single
// remote worker queue.
func produceCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "produce",
		Short: "Submit lines read from standard input as sequenced messages",
		RunE:  runProduce,
	}
	if err := commonFlags(c); err != nil {
		panic(err)
	}
	if err := cli.SetupCommandParams(c, []cli.Param{
		{Name: "producer-id", ByDefault: "producer-1", Usage: "stable identifier for this producer"},
		{Name: "queue", ByDefault: "worker-1.inbox", Usage: "destination queue for the single consumer this producer targets"},
		{Name: "control-queue", ByDefault: "producer-1.control", Usage: "queue this producer listens on for Request/Ack/Resend"},
	}); err != nil {
		panic(err)
	}
	return c
}

func runProduce(cmd *cobra.Command, _ []string) error {
	broker, _ := cmd.Flags().GetString("broker")
	exchange, _ := cmd.Flags().GetString("exchange")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	logPretty, _ := cmd.Flags().GetBool("log-pretty")
	producerID, _ := cmd.Flags().GetString("producer-id")
	queue, _ := cmd.Flags().GetString("queue")
	controlQueue, _ := cmd.Flags().GetString("control-queue")

	log := newLogger(logPretty).WithField("component", "producer")

	op, err := serveMetrics(metricsAddr, log)
	if err != nil {
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
	if _, err := consumer.AddQueue(wamqp.Queue{Name: controlQueue, Durable: true}); err != nil {
		return errors.Wrap(err, "declare control queue")
	}

	pc, err := delivery.NewProducerController[string](producerID, delivery.Options[string]{})
	if err != nil {
		return errors.Wrap(err, "create producer controller")
	}
	pc.WithLogger(log)

	counters := metrics.NewControlCounters()
	if err := op.Register(counters); err != nil {
		return errors.Wrap(err, "register control counters")
	}
	if err := op.Register(metrics.NewProducerCollector(pc)); err != nil {
		return errors.Wrap(err, "register producer collector")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		listener := tamqp.NewControlListener(consumer, pc).WithLogger(log).WithCounters(counters)
		if err := listener.Run(ctx, controlQueue); err != nil {
			log.WithField("error", err.Error()).Error("control listener stopped")
		}
	}()

	endpoint := tamqp.NewConsumerEndpoint[string](publisher, tamqp.Address{Exchange: exchange, RoutingKey: queue})
	if err := pc.RegisterConsumer(endpoint); err != nil {
		return errors.Wrap(err, "register consumer endpoint")
	}

	requests := make(chan delivery.RequestNext[string], 1)
	if err := pc.Start(delivery.ChannelProducerRef[string](requests)); err != nil {
		return errors.Wrap(err, "start producer")
	}

	stop := cli.SignalsHandler([]os.Signal{syscall.SIGINT, syscall.SIGTERM})
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-stop:
			return pc.Stop(context.Background())
		case <-requests:
			if !scanner.Scan() {
				return pc.Stop(context.Background())
			}
			if err := pc.Msg(scanner.Text()); err != nil {
				log.WithField("error", err.Error()).Warning("failed to submit message")
			}
		}
	}
}
