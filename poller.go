package roomsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PollFunc performs one fetch-and-snapshot cycle for a scope. Its context
// is cancelled when the poller for the scope stops.
type PollFunc func(ctx context.Context) error

// Poller runs at most one fixed-interval fetch loop per scope key. The
// first cycle runs immediately on Start; a failed cycle is logged and the
// next tick retries.
type Poller struct {
	clock Clock
	log   zerolog.Logger

	mu     sync.Mutex
	active map[string]*pollRun
}

type pollRun struct {
	interval time.Duration
	fn       PollFunc
	ctx      context.Context
	cancel   context.CancelFunc
	timer    Timer
}

func NewPoller(clock Clock, logger zerolog.Logger) *Poller {
	return &Poller{
		clock:  clock,
		log:    logger.With().Str("module", "sync.poller").Logger(),
		active: make(map[string]*pollRun),
	}
}

// Start begins polling key. It reports false, and changes nothing, when a
// poller for key is already running.
func (p *Poller) Start(key string, interval time.Duration, fn PollFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[key]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &pollRun{interval: interval, fn: fn, ctx: ctx, cancel: cancel}
	p.active[key] = run
	run.timer = p.clock.AfterFunc(0, func() { p.cycle(key, run) })
	p.log.Debug().Str("scope", key).Dur("interval", interval).Msg("poller started")
	return true
}

// Stop cancels the poller for key, including an in-flight cycle. It
// reports whether a poller was running.
func (p *Poller) Stop(key string) bool {
	p.mu.Lock()
	run, ok := p.active[key]
	if ok {
		delete(p.active, key)
		run.timer.Stop()
		run.cancel()
	}
	p.mu.Unlock()
	if ok {
		p.log.Debug().Str("scope", key).Msg("poller stopped")
	}
	return ok
}

// Active reports whether key is being polled.
func (p *Poller) Active(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[key]
	return ok
}

// StopAll cancels every poller.
func (p *Poller) StopAll() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.active))
	for k := range p.active {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		p.Stop(k)
	}
}

func (p *Poller) current(key string, run *pollRun) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[key] == run
}

func (p *Poller) cycle(key string, run *pollRun) {
	if !p.current(key, run) {
		return
	}
	if err := run.fn(run.ctx); err != nil && run.ctx.Err() == nil {
		p.log.Warn().Err(err).Str("scope", key).Msg("poll cycle failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[key] != run {
		return
	}
	run.timer = p.clock.AfterFunc(run.interval, func() { p.cycle(key, run) })
}
