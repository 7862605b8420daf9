package tankring

import "context"

// sweepNow runs one lease sweep without waiting for the ticker (for testing).
func (b *Broker) sweepNow(ctx context.Context) int {
	return newLeaseMonitor(b).sweep(ctx)
}

// drainJobs handles queued jobs on the calling goroutine until the queue
// is empty (for testing a broker that is not running).
func (b *Broker) drainJobs(ctx context.Context) int {
	var handled = 0
	for {
		select {
		case j := <-b.jobs:
			b.handle(ctx, j)
			handled++
		default:
			return handled
		}
	}
}
