// Command deliveryctl demonstrates the delivery package end to end over
// a real AMQP broker: a producer submitting a stream of lines from
// standard input, a router fanning those lines out across a discovered
// worker pool, and a worker consuming them, all wired through
// transport/amqp with Prometheus metrics exposed over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
