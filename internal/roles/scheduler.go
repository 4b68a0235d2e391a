package roles

import (
	"context"
	"sync"

	"moff.io/moff-vault/pkg/log"
)

type passState int

const (
	passIdle passState = iota
	passQueued
	passRunning
	passRunningDirty
)

// passScheduler runs guild passes one at a time on a single goroutine.
// A guild is queued at most once; requests that arrive while its pass runs
// collapse into one follow-up pass.
type passScheduler struct {
	pipeline chan string
	run      func(ctx context.Context, guildID string)

	mu     sync.Mutex
	states map[string]passState
	idle   *sync.Cond
}

func newPassScheduler(capacity int, run func(ctx context.Context, guildID string)) *passScheduler {
	s := &passScheduler{
		pipeline: make(chan string, capacity),
		run:      run,
		states:   make(map[string]passState),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

func (s *passScheduler) Enqueue(guildID string) {
	s.mu.Lock()
	switch s.states[guildID] {
	case passQueued, passRunningDirty:
		s.mu.Unlock()
		return
	case passRunning:
		s.states[guildID] = passRunningDirty
		s.mu.Unlock()
		return
	}
	s.states[guildID] = passQueued
	s.mu.Unlock()
	s.push(guildID)
}

func (s *passScheduler) push(guildID string) {
	select {
	case s.pipeline <- guildID:
	default:
		go func() { s.pipeline <- guildID }()
	}
}

func (s *passScheduler) Start(ctx context.Context) {
	go s.start(ctx)
}

func (s *passScheduler) start(ctx context.Context) {
	log.Info("Reconcile scheduler running...")
	defer log.Info("Reconcile scheduler stopped...")
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-s.pipeline:
			s.mu.Lock()
			s.states[guildID] = passRunning
			s.mu.Unlock()

			s.run(ctx, guildID)

			s.mu.Lock()
			if s.states[guildID] == passRunningDirty {
				s.states[guildID] = passQueued
				s.mu.Unlock()
				s.push(guildID)
				continue
			}
			delete(s.states, guildID)
			s.idle.Broadcast()
			s.mu.Unlock()
		}
	}
}

// Wait blocks until no pass is queued or running.
func (s *passScheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.states) > 0 {
		s.idle.Wait()
	}
}
