package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thought-machine/rexec-worker/src/action"
	"github.com/thought-machine/rexec-worker/src/cas"
)

// A Poller asserts liveness for one operation at one stage, at a fixed
// period, until told to stop or until the queue reports it has disowned
// the operation.
type Poller struct {
	queue  cas.Queue
	name   string
	stage  action.Stage
	period time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
	disowned int32
}

// StartPoller constructs and immediately starts a Poller.
func StartPoller(queue cas.Queue, name string, stage action.Stage, period time.Duration) *Poller {
	p := &Poller{
		queue:   queue,
		name:    name,
		stage:   stage,
		period:  period,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Poller) run() {
	defer close(p.stopped)
	t := time.NewTicker(p.period)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.period)
			owned, err := p.queue.PollOperation(ctx, p.name, p.stage)
			cancel()
			if err != nil {
				log.Warning("Poll failed for %s: %s", p.name, err)
				continue
			}
			if !owned {
				atomic.StoreInt32(&p.disowned, 1)
				return
			}
		}
	}
}

// Stop halts the poller, if it hasn't already stopped, and waits for it to
// actually exit. It's idempotent and wakes the poller immediately rather
// than waiting for the next tick.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.stopped
}

// Disowned reports whether the queue told this poller it no longer owns the
// operation, which means the caller should abandon it rather than continue.
func (p *Poller) Disowned() bool {
	return atomic.LoadInt32(&p.disowned) == 1
}
