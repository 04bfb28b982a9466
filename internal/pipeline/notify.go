package pipeline

import (
	"fmt"

	"github.com/lprimoes-ntt/realtime-poc/internal/events"
	"github.com/lprimoes-ntt/realtime-poc/internal/observability"
)

// RestartNotifier returns the lifecycle restart hook for one consumer
// loop: it counts the restart and tells stream subscribers the loop hit a
// transient error and is retrying. The published error is non-fatal, in
// contrast to the halt events the durable loop emits on store failures.
func RestartNotifier(loop string, prom *observability.Metrics, pub Publisher) func(error) {
	return func(err error) {
		if prom != nil {
			prom.ConsumerRestarts.WithLabelValues(loop).Inc()
		}
		if pub != nil {
			pub.Publish(events.PipelineError(
				fmt.Sprintf("%s consumer error; retrying: %v", loop, err), false))
		}
	}
}
