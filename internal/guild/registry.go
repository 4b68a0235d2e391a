package guild

import (
	"context"
	"sort"
	"sync"

	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// Registry owns the guild contexts of the process.
type Registry struct {
	store        Store
	defaultChain int64

	mu     sync.RWMutex
	guilds map[string]*Context
}

func NewRegistry(store Store, defaultChain int64) *Registry {
	return &Registry{
		store:        store,
		defaultChain: defaultChain,
		guilds:       make(map[string]*Context),
	}
}

func (r *Registry) Store() Store {
	return r.store
}

// Create returns the guild's context, creating it on first call.
// A zero chainID selects the default network.
func (r *Registry) Create(guildID string, chainID int64) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.guilds[guildID]; ok {
		return c, false
	}
	if chainID == 0 {
		chainID = r.defaultChain
	}
	c := newContext(guildID, r.store, chainID)
	r.guilds[guildID] = c
	log.Infof("guild %v created on chain %d", guildID, chainID)
	return c, true
}

// Destroy removes the guild and clears both of its namespaces. The live
// sessions that were in its table are returned so the caller can close them.
func (r *Registry) Destroy(ctx context.Context, guildID string) ([]Session, error) {
	r.mu.Lock()
	c, ok := r.guilds[guildID]
	delete(r.guilds, guildID)
	r.mu.Unlock()

	var sessions []Session
	if ok {
		sessions = c.drain()
	}
	if err := r.store.Clear(ctx, guildID); err != nil {
		return sessions, errors.Wrapf(err, "clear guild %v", guildID)
	}
	log.Infof("guild %v destroyed", guildID)
	return sessions, nil
}

func (r *Registry) Get(guildID string) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.guilds[guildID]
	if !ok {
		return nil, errors.Wrapf(ErrGuildNotFound, "guild %v", guildID)
	}
	return c, nil
}

// All lists every guild ordered by id.
func (r *Registry) All() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Context, 0, len(r.guilds))
	for _, c := range r.guilds {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// OnChain lists the guilds currently on chainID.
func (r *Registry) OnChain(chainID int64) []*Context {
	var list []*Context
	for _, c := range r.All() {
		if c.ChainID() == chainID {
			list = append(list, c)
		}
	}
	return list
}
