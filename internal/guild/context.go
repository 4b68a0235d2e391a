package guild

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"go.uber.org/atomic"
	"moff.io/moff-vault/pkg/errors"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrGuildNotFound    = errors.New("guild not found")
)

// Transport is the realtime connection of a paired browser page.
type Transport interface {
	ID() string
	Emit(event string, payload interface{}) error
}

// Session is the view of a pairing session the guild table needs.
// Implementations must answer without blocking on their own locks.
type Session interface {
	UserID() string
	Bound() bool
	Closed() bool
	Address() string
	VaultAddress() string
	Transport() Transport
}

// Context is the per-guild namespace: persisted bindings and rules, plus the
// table of live sessions keyed by user.
type Context struct {
	id      string
	store   Store
	chainID atomic.Int64
	closed  atomic.Bool

	mu       sync.Mutex
	sessions *linkedhashmap.Map
}

func newContext(id string, store Store, chainID int64) *Context {
	c := &Context{
		id:       id,
		store:    store,
		sessions: linkedhashmap.New(),
	}
	c.chainID.Store(chainID)
	return c
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) ChainID() int64 {
	return c.chainID.Load()
}

// SetChainID switches the guild's network and returns the previous one.
func (c *Context) SetChainID(id int64) int64 {
	return c.chainID.Swap(id)
}

// Closed reports whether the guild was destroyed.
func (c *Context) Closed() bool {
	return c.closed.Load()
}

func (c *Context) Binding(ctx context.Context, userID string) (*UserBinding, error) {
	return c.store.GetBinding(ctx, c.id, userID)
}

func (c *Context) SetBinding(ctx context.Context, b UserBinding) error {
	if c.Closed() {
		return errors.Wrapf(ErrGuildNotFound, "guild %v", c.id)
	}
	return c.store.SetBinding(ctx, c.id, b)
}

func (c *Context) DeleteBinding(ctx context.Context, userID string) error {
	return c.store.DeleteBinding(ctx, c.id, userID)
}

func (c *Context) Bindings(ctx context.Context) ([]UserBinding, error) {
	return c.store.Bindings(ctx, c.id)
}

func (c *Context) Rule(ctx context.Context, name string) (*RoleRule, error) {
	return c.store.GetRule(ctx, c.id, name)
}

func (c *Context) SetRule(ctx context.Context, r RoleRule) error {
	if c.Closed() {
		return errors.Wrapf(ErrGuildNotFound, "guild %v", c.id)
	}
	return c.store.SetRule(ctx, c.id, r)
}

func (c *Context) DeleteRule(ctx context.Context, name string) error {
	return c.store.DeleteRule(ctx, c.id, name)
}

func (c *Context) Rules(ctx context.Context) ([]RoleRule, error) {
	return c.store.Rules(ctx, c.id)
}

// Claim makes s the live session of its user. Sessions enter the table when
// they start binding, so any other live entry for the user wins.
func (c *Context) Claim(s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return errors.Wrapf(ErrGuildNotFound, "guild %v", c.id)
	}
	if v, ok := c.sessions.Get(s.UserID()); ok {
		existing := v.(Session)
		if existing != s && !existing.Closed() {
			return ErrAlreadyConnected
		}
		c.sessions.Remove(s.UserID())
	}
	c.sessions.Put(s.UserID(), s)
	return nil
}

// Release drops s from the table if it is still the user's live session.
func (c *Context) Release(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.sessions.Get(s.UserID()); ok && v.(Session) == s {
		c.sessions.Remove(s.UserID())
	}
}

// Session returns the user's live session, if any.
func (c *Context) Session(userID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.sessions.Get(userID)
	if !ok {
		return nil, false
	}
	s := v.(Session)
	if s.Closed() {
		return nil, false
	}
	return s, true
}

// BoundSession returns the user's live session only when it is bound.
func (c *Context) BoundSession(userID string) (Session, bool) {
	s, ok := c.Session(userID)
	if !ok || !s.Bound() {
		return nil, false
	}
	return s, true
}

// Sessions lists live sessions in claim order.
func (c *Context) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]Session, 0, c.sessions.Size())
	it := c.sessions.Iterator()
	for it.Next() {
		s := it.Value().(Session)
		if !s.Closed() {
			list = append(list, s)
		}
	}
	return list
}

func (c *Context) drain() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed.Store(true)
	list := make([]Session, 0, c.sessions.Size())
	for _, v := range c.sessions.Values() {
		list = append(list, v.(Session))
	}
	c.sessions.Clear()
	return list
}
