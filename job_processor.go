package snaptrace

import (
	"context"
	log "log/slog"

	"golang.org/x/sync/errgroup"
)

// JobProcessor returns a chan bool buffered to maxThreadCount and an
// errgroup. A background goroutine drains the channel until it is closed,
// a false value arrives, or the errgroup's context is done; it starts no
// tasks of its own and adds nothing to the errgroup.
func JobProcessor(ctx context.Context, maxThreadCount int) (chan bool, *errgroup.Group) {
	workChannel := make(chan bool, maxThreadCount)

	eg, ctx2 := errgroup.WithContext(ctx)

	// Drain the channel until it is closed or a false value arrives.
	go (func() {
		for {
			select {
			case <-ctx2.Done():
				log.Debug("ctx2 received a done signal")
				return
			default:
				// Just free up space on the channel.
				continueSignal, ok := <-workChannel
				if !ok || !continueSignal{
					return
				}
			}
		}
	})()

	return workChannel, eg
}
