package pairing

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/pkg/errors"
)

var (
	wallet = common.HexToAddress("0x00000000000000000000000000000000000000a1").Hex()
	vault  = common.HexToAddress("0x00000000000000000000000000000000000000b2").Hex()
)

type emitted struct {
	event   string
	payload interface{}
}

type fakeTransport struct {
	id     string
	mu     sync.Mutex
	events []emitted
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event, payload})
	return nil
}

func (f *fakeTransport) Events() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.events...)
}

type fakeVaults struct {
	mu    sync.Mutex
	calls int
	vault string
	err   error
	gate  chan struct{}
}

func (f *fakeVaults) VaultOf(ctx context.Context, chainID int64, w string) (string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.vault, f.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	guilds *guild.Registry
	store  *guild.MemoryStore
	vaults *fakeVaults
	clock  *clock
	reg    *Registry
	bound  []guild.UserBinding
	mu     sync.Mutex
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	f := &fixture{
		store:  guild.NewMemoryStore(),
		vaults: &fakeVaults{vault: vault},
		clock:  &clock{now: time.Unix(1_700_000_000, 0)},
	}
	f.guilds = guild.NewRegistry(f.store, 1)
	f.guilds.Create("A", 0)
	f.guilds.Create("B", 0)
	f.reg = NewRegistry(f.guilds, f.vaults, append([]Option{WithClock(f.clock.Now)}, opts...)...)
	f.reg.OnBound(func(ctx context.Context, s *Session, b guild.UserBinding) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.bound = append(f.bound, b)
	})
	return f
}

func (f *fixture) boundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bound)
}

func TestTokenShape(t *testing.T) {
	f := newFixture(t)
	tok, err := f.reg.Issue("A", "u1", "c1")
	require.NoError(t, err)
	assert.Len(t, tok.Value, 96)
	assert.Equal(t, 60*time.Second, tok.TTL)
	assert.Equal(t, "https://vault.example/?token="+tok.Value+"&userId=u1", tok.Link("https://vault.example/"))
	assert.True(t, strings.HasPrefix(tok.Link("https://metamask.app.link/dapp/vault.example"), "https://metamask.app.link/dapp/vault.example?token="))

	other, err := f.reg.Issue("A", "u2", "c1")
	require.NoError(t, err)
	assert.NotEqual(t, tok.Value, other.Value)
}

func TestTokenSingleUse(t *testing.T) {
	f := newFixture(t)
	tok, err := f.reg.Issue("A", "u1", "c1")
	require.NoError(t, err)

	s, ok := f.reg.AttemptMatch(&fakeTransport{id: "conn-1"}, tok.Value)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingTransport, s.State())
	assert.Equal(t, 0, f.reg.Pending())

	_, ok = f.reg.AttemptMatch(&fakeTransport{id: "conn-2"}, tok.Value)
	assert.False(t, ok)
	_, ok = f.reg.AttemptMatch(&fakeTransport{id: "conn-3"}, "unrelated")
	assert.False(t, ok)
	_, ok = f.reg.AttemptMatch(&fakeTransport{id: "conn-4"}, "")
	assert.False(t, ok)
}

func TestTokenExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	tok, err := f.reg.Issue("A", "u1", "c1")
	require.NoError(t, err)
	f.clock.Advance(61 * time.Second)
	_, ok := f.reg.AttemptMatch(&fakeTransport{id: "conn-1"}, tok.Value)
	assert.False(t, ok)
}

func TestTokenTimerClearsIndex(t *testing.T) {
	f := newFixture(t, WithTTL(20*time.Millisecond))
	tok, err := f.reg.Issue("A", "u1", "c1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.reg.Pending() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := f.reg.AttemptMatch(&fakeTransport{id: "conn-1"}, tok.Value)
	assert.False(t, ok)
}

func TestReissueInvalidatesEarlierToken(t *testing.T) {
	f := newFixture(t)
	first, err := f.reg.Issue("A", "u1", "c1")
	require.NoError(t, err)
	second, err := f.reg.Issue("A", "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.Pending())
	_, ok := f.reg.AttemptMatch(&fakeTransport{id: "conn-1"}, first.Value)
	assert.False(t, ok)
	_, ok = f.reg.AttemptMatch(&fakeTransport{id: "conn-1"}, second.Value)
	assert.True(t, ok)
}

func pair(t *testing.T, f *fixture, guildID, userID, connID string) (*Session, *fakeTransport) {
	tok, err := f.reg.Issue(guildID, userID, "c1")
	require.NoError(t, err)
	tr := &fakeTransport{id: connID}
	s, ok := f.reg.AttemptMatch(tr, tok.Value)
	require.True(t, ok)
	return s, tr
}

func TestAnnounceBinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, tr := pair(t, f, "A", "u1", "conn-1")

	require.NoError(t, f.reg.Announce(ctx, "conn-1", strings.ToLower(wallet), "u1"))
	assert.Equal(t, StateBound, s.State())
	assert.Equal(t, wallet, s.Address())
	assert.Equal(t, vault, s.VaultAddress())

	b, err := f.store.GetBinding(ctx, "A", "u1")
	require.NoError(t, err)
	assert.Equal(t, guild.UserBinding{UserID: "u1", WalletAddress: wallet, VaultAddress: vault}, *b)
	_, err = f.store.GetBinding(ctx, "B", "u1")
	assert.True(t, errors.Is(err, guild.ErrNotFound))

	assert.Equal(t, []emitted{{EventConnectedAccount, wallet}}, tr.Events())
	assert.Equal(t, 1, f.boundCount())

	gc, err := f.guilds.Get("A")
	require.NoError(t, err)
	live, ok := gc.BoundSession("u1")
	require.True(t, ok)
	assert.Same(t, s, live)
}

func TestAnnounceIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair(t, f, "A", "u1", "conn-1")

	require.NoError(t, f.reg.Announce(ctx, "conn-1", "", "u1"))
	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "someone-else"))
	require.NoError(t, f.reg.Announce(ctx, "unknown-conn", wallet, "u1"))
	assert.Equal(t, 0, f.boundCount())

	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))
	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))
	assert.Equal(t, 1, f.boundCount())
	assert.Equal(t, 1, f.vaults.calls)

	assert.Error(t, f.reg.Announce(ctx, "conn-1", "0xnot-an-address", "u1"))
}

func TestSecondConnectWhileBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair(t, f, "A", "u1", "conn-1")
	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))

	_, err := f.reg.Issue("A", "u1", "c1")
	assert.Equal(t, ErrAlreadyConnected, err)
	assert.Equal(t, 1, f.boundCount())

	// other guilds are independent
	_, err = f.reg.Issue("B", "u1", "c1")
	assert.NoError(t, err)
}

func TestConcurrentPairingsOfSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := pair(t, f, "A", "u1", "conn-1")
	second, _ := pair(t, f, "A", "u1", "conn-2")

	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))
	err := f.reg.Announce(ctx, "conn-2", vault, "u1")
	assert.Equal(t, ErrAlreadyConnected, err)
	assert.True(t, first.Bound())
	assert.False(t, second.Bound())

	b, err := f.store.GetBinding(ctx, "A", "u1")
	require.NoError(t, err)
	assert.Equal(t, wallet, b.WalletAddress)
}

func TestVaultLookupFailureBindsWithoutVault(t *testing.T) {
	f := newFixture(t)
	f.vaults.err = errors.New("rpc down")
	ctx := context.Background()
	pair(t, f, "A", "u1", "conn-1")
	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))
	b, err := f.store.GetBinding(ctx, "A", "u1")
	require.NoError(t, err)
	assert.Equal(t, "", b.VaultAddress)
}

func TestDisconnectDuringVaultLookup(t *testing.T) {
	f := newFixture(t)
	f.vaults.gate = make(chan struct{})
	ctx := context.Background()
	s, _ := pair(t, f, "A", "u1", "conn-1")

	done := make(chan error, 1)
	go func() { done <- f.reg.Announce(ctx, "conn-1", wallet, "u1") }()
	require.Eventually(t, func() bool {
		f.vaults.mu.Lock()
		defer f.vaults.mu.Unlock()
		return f.vaults.calls == 1
	}, time.Second, time.Millisecond)

	_, ok := f.reg.Disconnect("conn-1")
	require.True(t, ok)
	close(f.vaults.gate)
	require.NoError(t, <-done)

	assert.Equal(t, StateClosed, s.State())
	_, err := f.store.GetBinding(ctx, "A", "u1")
	assert.True(t, errors.Is(err, guild.ErrNotFound))
	assert.Equal(t, 0, f.boundCount())
}

// closingStore runs onSet after every binding write.
type closingStore struct {
	*guild.MemoryStore
	onSet func()
}

func (s *closingStore) SetBinding(ctx context.Context, guildID string, b guild.UserBinding) error {
	if err := s.MemoryStore.SetBinding(ctx, guildID, b); err != nil {
		return err
	}
	if s.onSet != nil {
		s.onSet()
	}
	return nil
}

func TestCloseBeforeBoundUndoesBinding(t *testing.T) {
	ctx := context.Background()
	store := &closingStore{MemoryStore: guild.NewMemoryStore()}
	guilds := guild.NewRegistry(store, 1)
	guilds.Create("A", 0)
	f := &fixture{guilds: guilds, store: store.MemoryStore, reg: NewRegistry(guilds, &fakeVaults{vault: vault})}

	store.onSet = func() { f.reg.Disconnect("conn-1") }
	s, _ := pair(t, f, "A", "u1", "conn-1")
	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))
	assert.Equal(t, StateClosed, s.State())
	_, err := store.GetBinding(ctx, "A", "u1")
	assert.True(t, errors.Is(err, guild.ErrNotFound))

	// an older binding survives a bind that never completed
	older := guild.UserBinding{UserID: "u1", WalletAddress: vault}
	require.NoError(t, store.MemoryStore.SetBinding(ctx, "A", older))
	store.onSet = func() { f.reg.Disconnect("conn-2") }
	s, _ = pair(t, f, "A", "u1", "conn-2")
	require.NoError(t, f.reg.Announce(ctx, "conn-2", wallet, "u1"))
	assert.Equal(t, StateClosed, s.State())
	b, err := store.GetBinding(ctx, "A", "u1")
	require.NoError(t, err)
	assert.Equal(t, vault, b.WalletAddress)
}

func TestDisconnectKeepsBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := pair(t, f, "A", "u1", "conn-1")
	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))

	_, ok := f.reg.Disconnect("conn-1")
	require.True(t, ok)
	assert.True(t, s.Closed())
	_, ok = f.reg.Disconnect("conn-1")
	assert.False(t, ok)

	gc, _ := f.guilds.Get("A")
	_, ok = gc.Session("u1")
	assert.False(t, ok)
	_, err := f.store.GetBinding(ctx, "A", "u1")
	assert.NoError(t, err)

	// reconnecting is allowed again
	_, err = f.reg.Issue("A", "u1", "c1")
	assert.NoError(t, err)
}

func TestCloseUserAndGuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := pair(t, f, "A", "u1", "conn-1")
	require.NoError(t, f.reg.Announce(ctx, "conn-1", wallet, "u1"))

	closed, ok := f.reg.CloseUser("A", "u1")
	require.True(t, ok)
	assert.Same(t, s, closed)
	_, ok = f.reg.SessionByConn("conn-1")
	assert.False(t, ok)

	other, _ := pair(t, f, "A", "u2", "conn-2")
	require.NoError(t, f.reg.Announce(ctx, "conn-2", wallet, "u2"))
	_, err := f.reg.Issue("A", "u3", "c1")
	require.NoError(t, err)

	sessions, err := f.guilds.Destroy(ctx, "A")
	require.NoError(t, err)
	f.reg.CloseGuild("A", sessions)
	assert.True(t, other.Closed())
	assert.Equal(t, 0, f.reg.Pending())
}
