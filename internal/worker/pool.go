package worker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

// loop acquires a slot, claims a job for it and hands the job to a goroutine,
// until loopCtx is cancelled.
func (p *Pool) loop() {
	defer close(p.loopDone)

	var notify <-chan struct{}
	if n, ok := p.store.(queue.Notifier); ok {
		notify = n.Notify(p.queueName)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case p.slots <- struct{}{}:
		case <-p.loopCtx.Done():
			return
		}

		job, ok := p.next(notify, ticker.C)
		if !ok {
			<-p.slots
			return
		}

		p.wg.Add(1)
		p.inFlight.Add(1)
		go p.process(job)
	}
}

// next blocks until a job is claimed or the loop is stopped. Each claim
// attempt takes a token from the rate limiter.
func (p *Pool) next(notify <-chan struct{}, tick <-chan time.Time) (*queue.Job, bool) {
	for {
		if err := p.limiter.Wait(p.loopCtx); err != nil {
			return nil, false
		}

		job, err := p.store.Claim(p.loopCtx, p.queueName, p.id)
		switch {
		case err == nil:
			p.storeUp()
			return job, true
		case errors.Is(err, queue.ErrNoJob):
			p.storeUp()
		case p.loopCtx.Err() != nil:
			return nil, false
		default:
			p.storeFailed(err)
		}

		select {
		case <-p.loopCtx.Done():
			return nil, false
		case <-p.wake:
		case <-notify:
		case <-tick:
		}
	}
}

// reapStale periodically returns jobs whose worker stopped heartbeating.
func (p *Pool) reapStale() {
	interval := p.staleThreshold / 2
	if interval <= 0 {
		interval = p.staleThreshold
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RequeueStale(p.loopCtx, p.queueName, p.staleThreshold)
			if err != nil {
				if p.loopCtx.Err() == nil {
					p.storeFailed(err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("Recovered jobs from unresponsive workers", slog.Int64("count", n))
				p.Wake()
			}
		}
	}
}

// storeFailed logs unavailability once per transition; other errors are
// logged every time.
func (p *Pool) storeFailed(err error) {
	if queue.IsUnavailable(err) {
		if p.storeDown.CompareAndSwap(false, true) {
			p.logger.Error("Job store unavailable, will keep polling",
				slog.Any("error", err),
				slog.Duration("poll_interval", p.pollInterval),
			)
		}
		return
	}
	p.logger.Error("Failed to claim job", slog.Any("error", err))
}

func (p *Pool) storeUp() {
	if p.storeDown.CompareAndSwap(true, false) {
		p.logger.Info("Job store reachable again")
	}
}
