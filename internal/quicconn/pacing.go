package quicconn

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// PacingScheduler delays a socket-service loop until the next send is
// actually due, instead of busy-spinning across many connections. This is
// the resolution to spec.md §9's open question on earliest_send_time:
// "a busy-spin-avoiding scheduler should delay socket writes until at."
// quic-go already paces packets internally per connection; this scheduler
// spaces internal/relay.Forward's successive per-peer writes within one
// fan-out round, grounded on golang.org/x/time/rate (pulled in transitively by
// quic-go's own congestion controller in the teacher's go.mod).
type PacingScheduler struct {
	limiter *rate.Limiter
}

// NewPacingScheduler allows up to burst immediate polls, then throttles to
// one poll per interval.
func NewPacingScheduler(interval time.Duration, burst int) *PacingScheduler {
	if burst < 1 {
		burst = 1
	}
	return &PacingScheduler{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Wait blocks until the scheduler next admits a poll, or ctx is done.
func (p *PacingScheduler) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
