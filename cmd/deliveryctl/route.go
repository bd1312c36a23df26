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
	"github.com/flowmesh/delivery/discovery"
	"github.com/flowmesh/delivery/errors"
	"github.com/flowmesh/delivery/metrics"
	tamqp "github.com/flowmesh/delivery/transport/amqp"
)

// routeCmd fans submitted messages out across a discovered worker pool
// using a WorkPullingRouter, with worker membership resolved from a
// JSON registry file (discovery.FileSource).
func routeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "route",
		Short: "Fan out messages across a worker pool discovered from a registry file",
		RunE:  runRoute,
	}
	if err := commonFlags(c); err != nil {
		panic(err)
	}
	if err := cli.SetupCommandParams(c, []cli.Param{
		{Name: "service-key", ByDefault: "orders", Usage: "service key this router distributes work for"},
		{Name: "registry-file", ByDefault: "registry.json", Usage: "JSON file mapping service keys to worker-id/queue tables"},
	}); err != nil {
		panic(err)
	}
	return c
}

func runRoute(cmd *cobra.Command, _ []string) error {
	broker, _ := cmd.Flags().GetString("broker")
	exchange, _ := cmd.Flags().GetString("exchange")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	logPretty, _ := cmd.Flags().GetBool("log-pretty")
	serviceKey, _ := cmd.Flags().GetString("service-key")
	registryFile, _ := cmd.Flags().GetString("registry-file")

	log := newLogger(logPretty).WithField("component", "router")

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

	factory := func(_ delivery.WorkerID, address string) delivery.ConsumerEndpoint[string] {
		return tamqp.NewConsumerEndpoint[string](publisher, tamqp.Address{Exchange: exchange, RoutingKey: address})
	}
	source := discovery.NewFileSource(registryFile)
	registry := discovery.NewRegistry[string](source, factory, 0).WithLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router, err := delivery.NewWorkPullingRouter[string](ctx, serviceKey, registry, delivery.RouterOptions[string]{})
	if err != nil {
		return errors.Wrap(err, "create router")
	}
	router.WithLogger(log)

	if err := op.Register(metrics.NewRouterCollector(router, serviceKey)); err != nil {
		return errors.Wrap(err, "register router collector")
	}

	// Every known worker gets its own control queue; membership is read
	// once at startup to determine which queues to listen on, the
	// router's own resend/request protocol tolerates a worker control
	// queue coming online slightly before or after the router does.
	workers, err := source.Workers(serviceKey)
	if err != nil {
		return errors.Wrap(err, "resolve initial worker set")
	}
	for id := range workers {
		target := tamqp.NewWorkerControlTarget[string](router, id)
		listener := tamqp.NewControlListener(consumer, target).WithLogger(log)
		go func(queue string) {
			if err := listener.Run(ctx, queue); err != nil {
				log.WithField("error", err.Error()).Error("control listener stopped")
			}
		}(string(id) + ".control")
	}

	requests := make(chan delivery.RequestNext[string], 1)
	if err := router.Start(delivery.ChannelProducerRef[string](requests)); err != nil {
		return errors.Wrap(err, "start router")
	}

	stop := cli.SignalsHandler([]os.Signal{syscall.SIGINT, syscall.SIGTERM})
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-stop:
			return router.Stop(context.Background())
		case <-requests:
			if !scanner.Scan() {
				return router.Stop(context.Background())
			}
			if err := router.Msg(scanner.Text()); err != nil {
				log.WithField("error", err.Error()).Warning("failed to submit message")
			}
		}
	}
}
