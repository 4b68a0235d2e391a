package chains

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"moff.io/moff-vault/pkg/log"
)

// BlockHandler is told about every new head seen on a watched chain.
type BlockHandler func(chainID int64, number uint64)

type watch struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscriber keeps one new-head subscription per watched chain.
// Watch and Unwatch are reference counted, so several guilds can share a chain.
type Subscriber struct {
	balances   *Balances
	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	handler BlockHandler
	watches map[int64]*watch
}

func NewSubscriber(balances *Balances) *Subscriber {
	return &Subscriber{
		balances:   balances,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		watches:    make(map[int64]*watch),
	}
}

// OnBlock sets the block handler.
func (s *Subscriber) OnBlock(h BlockHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Subscriber) Watch(chainID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watches[chainID]; ok {
		w.refs++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{refs: 1, cancel: cancel, done: make(chan struct{})}
	s.watches[chainID] = w
	go func() {
		defer close(w.done)
		s.run(ctx, chainID)
	}()
	log.Infof("watching new blocks on chain %d", chainID)
}

func (s *Subscriber) Unwatch(chainID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[chainID]
	if !ok {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	delete(s.watches, chainID)
	w.cancel()
	log.Infof("stopped watching chain %d", chainID)
}

// Watching returns how many holders watch chainID.
func (s *Subscriber) Watching(chainID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watches[chainID]; ok {
		return w.refs
	}
	return 0
}

// Close stops every subscription and waits for the goroutines to exit.
func (s *Subscriber) Close() {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[int64]*watch)
	s.mu.Unlock()
	for _, w := range watches {
		w.cancel()
		<-w.done
	}
}

func (s *Subscriber) notify(chainID int64, number uint64) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(chainID, number)
	}
}

func (s *Subscriber) run(ctx context.Context, chainID int64) {
	backoff := s.minBackoff
	for {
		err := s.subscribeOnce(ctx, chainID, func() { backoff = s.minBackoff })
		if ctx.Err() != nil {
			return
		}
		log.Warnf("new head subscription on chain %d ended: %v, retry in %v", chainID, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Subscriber) subscribeOnce(ctx context.Context, chainID int64, onHead func()) error {
	_, be, err := s.balances.backend(ctx, chainID)
	if err != nil {
		return err
	}
	heads := make(chan *types.Header, 16)
	sub, err := be.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case h := <-heads:
			onHead()
			if h == nil || h.Number == nil {
				continue
			}
			s.notify(chainID, h.Number.Uint64())
		}
	}
}
