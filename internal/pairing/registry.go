package pairing

import (
	"context"
	"sync"
	"time"

	"moff.io/moff-vault/internal/chains"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// EventConnectedAccount echoes the bound address back to the browser.
const EventConnectedAccount = "connectedAccount"

var ErrAlreadyConnected = guild.ErrAlreadyConnected

// VaultResolver finds the vault contract of a wallet. "" means none.
type VaultResolver interface {
	VaultOf(ctx context.Context, chainID int64, wallet string) (string, error)
}

// BoundHook runs after a binding is persisted.
type BoundHook func(ctx context.Context, s *Session, b guild.UserBinding)

type pendingToken struct {
	session *Session
	timer   *time.Timer
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithTokenBytes(n int) Option {
	return func(r *Registry) {
		if n >= minTokenBytes {
			r.tokenBytes = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

const (
	defaultTTL    = 60 * time.Second
	minTokenBytes = 48
)

// Registry indexes pending tokens by value and matched sessions by connection.
// Its lock only guards the two maps and is never held across I/O.
type Registry struct {
	guilds     *guild.Registry
	vaults     VaultResolver
	ttl        time.Duration
	tokenBytes int
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingToken
	byUser  map[string]string
	byConn  map[string]*Session
	hooks   []BoundHook
}

func NewRegistry(guilds *guild.Registry, vaults VaultResolver, opts ...Option) *Registry {
	r := &Registry{
		guilds:     guilds,
		vaults:     vaults,
		ttl:        defaultTTL,
		tokenBytes: minTokenBytes,
		now:        time.Now,
		pending:    make(map[string]*pendingToken),
		byUser:     make(map[string]string),
		byConn:     make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnBound registers a hook for bound sessions. Hooks run in registration order.
func (r *Registry) OnBound(h BoundHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

func userKey(guildID, userID string) string {
	return guildID + "/" + userID
}

// Issue creates a token for the user. An earlier unused token of the same
// user is invalidated. Fails with ErrAlreadyConnected while the user has a
// live session.
func (r *Registry) Issue(guildID, userID, channelID string) (*Token, error) {
	gc, err := r.guilds.Get(guildID)
	if err != nil {
		return nil, err
	}
	if _, ok := gc.Session(userID); ok {
		return nil, ErrAlreadyConnected
	}
	value, err := newTokenValue(r.tokenBytes)
	if err != nil {
		return nil, err
	}
	token := &Token{
		Value:       value,
		OwnerUserID: userID,
		GuildID:     guildID,
		ChannelID:   channelID,
		IssuedAt:    r.now(),
		TTL:         r.ttl,
	}
	s := &Session{token: token}
	s.state.Store(int32(StateIssued))

	r.mu.Lock()
	defer r.mu.Unlock()
	key := userKey(guildID, userID)
	if old, ok := r.byUser[key]; ok {
		r.dropPendingLocked(old)
	}
	r.pending[value] = &pendingToken{
		session: s,
		timer:   time.AfterFunc(r.ttl, func() { r.expire(value) }),
	}
	r.byUser[key] = value
	log.Debugf("connect token issued for user %v in guild %v", userID, guildID)
	return token, nil
}

func (r *Registry) expire(value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[value]; ok {
		log.Debugf("connect token of user %v expired", p.session.UserID())
		r.dropPendingLocked(value)
	}
}

func (r *Registry) takePendingLocked(value string) (*Session, bool) {
	p, ok := r.pending[value]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	delete(r.pending, value)
	key := userKey(p.session.GuildID(), p.session.UserID())
	if r.byUser[key] == value {
		delete(r.byUser, key)
	}
	return p.session, true
}

func (r *Registry) dropPendingLocked(value string) {
	if s, ok := r.takePendingLocked(value); ok {
		s.close()
	}
}

// Pending returns how many tokens are waiting for a connection.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// AttemptMatch consumes presented if it is a live token and ties its session
// to transport. Unknown, used and expired tokens are ignored silently.
func (r *Registry) AttemptMatch(transport guild.Transport, presented string) (*Session, bool) {
	if presented == "" || transport == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.takePendingLocked(presented)
	if !ok {
		return nil, false
	}
	if s.token.Expired(r.now()) {
		s.close()
		return nil, false
	}
	if _, taken := r.byConn[transport.ID()]; taken {
		s.close()
		return nil, false
	}
	if !s.transition(StateIssued, StateAwaitingTransport) {
		return nil, false
	}
	s.transport = transport
	s.matchedAt = r.now()
	r.byConn[transport.ID()] = s
	log.Infof("connection %v matched connect token of user %v", transport.ID(), s.UserID())
	return s, true
}

// SessionByConn returns the session matched to a connection.
func (r *Registry) SessionByConn(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Announce binds the wallet address sent over connID to the session's user.
// Empty or repeated addresses, unknown connections and announcements for
// another user are ignored.
func (r *Registry) Announce(ctx context.Context, connID, address, announcedUserID string) error {
	s, ok := r.SessionByConn(connID)
	if !ok || address == "" || s.Closed() {
		return nil
	}
	if announcedUserID != "" && announcedUserID != s.UserID() {
		log.Warnf("connection %v announced user %v but is paired with %v, ignored", connID, announcedUserID, s.UserID())
		return nil
	}
	address, err := chains.NormalizeAddress(address)
	if err != nil {
		return err
	}
	if address == s.Address() {
		return nil
	}
	seq := s.seq.Inc()

	gc, err := r.guilds.Get(s.GuildID())
	if err != nil {
		return err
	}
	vault, err := r.vaults.VaultOf(ctx, gc.ChainID(), address)
	if err != nil {
		log.Warnf("vault lookup for %v failed, binding without vault: %v", address, err)
		vault = ""
	}

	// the lookup may have raced a disconnect or a newer announcement
	if s.Closed() || s.seq.Load() != seq || address == s.Address() {
		return nil
	}
	wasBound := s.Bound()
	if err := gc.Claim(s); err != nil {
		return err
	}
	var (
		prev    *guild.UserBinding
		prevErr error
	)
	if !wasBound {
		prev, prevErr = gc.Binding(ctx, s.UserID())
	}
	binding := guild.UserBinding{UserID: s.UserID(), WalletAddress: address, VaultAddress: vault}
	if err := gc.SetBinding(ctx, binding); err != nil {
		if !wasBound {
			gc.Release(s)
		}
		return errors.Wrapf(err, "persist binding of user %v", s.UserID())
	}
	if s.seq.Load() != seq {
		// a newer announcement owns the outcome
		return nil
	}
	s.address.Store(address)
	s.vault.Store(vault)
	if !wasBound && !s.transition(StateAwaitingTransport, StateBound) {
		gc.Release(s)
		undoBinding(ctx, gc, s.UserID(), prev, prevErr)
		return nil
	}
	if err := s.transport.Emit(EventConnectedAccount, address); err != nil {
		log.Warnf("echo bound address to %v: %v", connID, err)
	}
	log.Infof("user %v in guild %v bound to %v (vault %q) %v after pairing", s.UserID(), s.GuildID(), address, vault, r.now().Sub(s.matchedAt))

	r.mu.Lock()
	hooks := append([]BoundHook(nil), r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h(ctx, s, binding)
	}
	return nil
}

// undoBinding puts back what the store held before a bind whose session
// closed before reaching Bound.
func undoBinding(ctx context.Context, gc *guild.Context, userID string, prev *guild.UserBinding, prevErr error) {
	var err error
	switch {
	case prevErr == nil:
		err = gc.SetBinding(ctx, *prev)
	case errors.Is(prevErr, guild.ErrNotFound):
		err = gc.DeleteBinding(ctx, userID)
	default:
		log.Warnf("binding of %v written by a closed session kept, previous unknown: %v", userID, prevErr)
		return
	}
	if err != nil {
		log.Warnf("undo binding of %v: %v", userID, err)
	}
}

// Disconnect closes the session matched to connID. Persisted bindings stay.
func (r *Registry) Disconnect(connID string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.byConn[connID]
	delete(r.byConn, connID)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.closeSession(s)
	return s, true
}

// CloseUser closes the live session of a user, if any.
func (r *Registry) CloseUser(guildID, userID string) (*Session, bool) {
	gc, err := r.guilds.Get(guildID)
	if err != nil {
		return nil, false
	}
	gs, ok := gc.Session(userID)
	if !ok {
		return nil, false
	}
	s, ok := gs.(*Session)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	if s.transport != nil && r.byConn[s.transport.ID()] == s {
		delete(r.byConn, s.transport.ID())
	}
	r.mu.Unlock()
	r.closeSession(s)
	return s, true
}

// CloseGuild drops pending tokens of the guild and closes the given sessions.
func (r *Registry) CloseGuild(guildID string, sessions []guild.Session) {
	r.mu.Lock()
	for value, p := range r.pending {
		if p.session.GuildID() == guildID {
			r.dropPendingLocked(value)
		}
	}
	for _, gs := range sessions {
		if s, ok := gs.(*Session); ok && s.transport != nil && r.byConn[s.transport.ID()] == s {
			delete(r.byConn, s.transport.ID())
		}
	}
	r.mu.Unlock()
	for _, gs := range sessions {
		if s, ok := gs.(*Session); ok {
			r.closeSession(s)
		}
	}
}

func (r *Registry) closeSession(s *Session) {
	if !s.close() {
		return
	}
	if gc, err := r.guilds.Get(s.GuildID()); err == nil {
		gc.Release(s)
	}
	log.Infof("pairing session of user %v in guild %v closed", s.UserID(), s.GuildID())
}
