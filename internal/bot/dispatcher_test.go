package bot

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"moff.io/moff-vault/internal/bridge"
	"moff.io/moff-vault/internal/chains"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/internal/databus"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/internal/pairing"
	"moff.io/moff-vault/internal/relay"
	"moff.io/moff-vault/internal/roles"
)

const (
	guildID = "915445727600205844"
	userID  = "380036094564810752"
	otherID = "380036094564810753"
	channel = "997064393579843654"
)

var (
	wallet = gethcommon.HexToAddress("0x00000000000000000000000000000000000000a1").Hex()
	vault  = gethcommon.HexToAddress("0x00000000000000000000000000000000000000b2").Hex()
)

type sent struct {
	channelID string
	userID    string
	reply     *Reply
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sent
}

func (m *fakeMessenger) SendChannel(_ context.Context, channelID string, r *Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{channelID: channelID, reply: r})
	return nil
}

func (m *fakeMessenger) SendDirect(_ context.Context, userID string, r *Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{userID: userID, reply: r})
	return nil
}

func (m *fakeMessenger) find(pred func(s sent) bool) []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []sent
	for _, s := range m.sent {
		if pred(s) {
			list = append(list, s)
		}
	}
	return list
}

func titled(title string) func(s sent) bool {
	return func(s sent) bool {
		return len(s.reply.Embeds) > 0 && s.reply.Embeds[0].Title == title
	}
}

type fakePlatform struct {
	mu     sync.Mutex
	held   map[string]map[string]bool
	nextID int
}

func (p *fakePlatform) MemberRoles(_ context.Context, guildID, userID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id := range p.held[guildID+"/"+userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *fakePlatform) AddMemberRole(_ context.Context, guildID, userID, roleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := guildID + "/" + userID
	if p.held[key] == nil {
		p.held[key] = map[string]bool{}
	}
	p.held[key][roleID] = true
	return nil
}

func (p *fakePlatform) RemoveMemberRole(_ context.Context, guildID, userID, roleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held[guildID+"/"+userID], roleID)
	return nil
}

func (p *fakePlatform) CreateRole(context.Context, string, roles.RoleSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return fmt.Sprintf("role-%d", p.nextID), nil
}

func (p *fakePlatform) DeleteRole(context.Context, string, string) error { return nil }

func (p *fakePlatform) holds(userID, roleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[guildID+"/"+userID][roleID]
}

type fakeChain struct {
	mu      sync.Mutex
	amounts map[string]int64
	vaults  map[string]string
}

func kiro(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func (f *fakeChain) Balance(_ context.Context, _ int64, wallet, vault string) (*chains.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, v := kiro(f.amounts[wallet]), kiro(0)
	if vault != "" {
		v = kiro(f.amounts[vault])
	}
	return &chains.Balance{Wallet: w, Vault: v, Total: new(big.Int).Add(w, v), Decimals: 18, Symbol: "KIRO"}, nil
}

func (f *fakeChain) VaultOf(_ context.Context, _ int64, wallet string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vaults[wallet], nil
}

type fakeWatcher struct{}

func (fakeWatcher) Watch(int64) {}

func (fakeWatcher) Unwatch(int64) {}

type fakeImages struct {
	keys []string
}

func (f *fakeImages) Share(_ context.Context, key, contentType string, body []byte, _ time.Duration) (string, error) {
	f.keys = append(f.keys, key)
	return "https://images.example/" + key, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 30 * time.Second, nil
}

type fixture struct {
	d         *Dispatcher
	guilds    *guild.Registry
	platform  *fakePlatform
	chain     *fakeChain
	messenger *fakeMessenger
	bus       *databus.Recorder
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	table, err := chains.NewTable(config.DefaultChains())
	require.NoError(t, err)
	f := &fixture{
		guilds:    guild.NewRegistry(guild.NewMemoryStore(), 4),
		platform:  &fakePlatform{held: map[string]map[string]bool{}},
		chain:     &fakeChain{amounts: map[string]int64{}, vaults: map[string]string{}},
		messenger: &fakeMessenger{},
		bus:       &databus.Recorder{},
	}
	cfg := &config.Configuration{DiscordBot: config.DiscordBot{
		ConnectURL:       "https://vault.example/connect",
		MobileConnectURL: "https://metamask.app.link/dapp/vault.example/connect",
	}}
	reg := pairing.NewRegistry(f.guilds, f.chain)
	engine := roles.NewEngine(f.guilds, table, f.platform, f.chain, fakeWatcher{}, f.bus)
	deps := Deps{
		Config:    cfg,
		Guilds:    f.guilds,
		Chains:    table,
		Balances:  f.chain,
		Pairing:   reg,
		Engine:    engine,
		Relay:     relay.NewRelay(f.guilds, reg, NewNotifier(f.messenger)),
		Messenger: f.messenger,
		Bus:       f.bus,
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.d = NewDispatcher(context.Background(), deps)
	f.d.GuildJoined(guildID)
	return f
}

func (f *fixture) run(name string, user string, options map[string]string) *Reply {
	return f.d.Command(context.Background(), &Invocation{
		GuildID:   guildID,
		ChannelID: channel,
		UserID:    user,
		UserName:  "satoshi nakamoto",
		Name:      name,
		Options:   options,
	})
}

func (f *fixture) admin(name string, options map[string]string) *Reply {
	return f.d.Command(context.Background(), &Invocation{
		GuildID:        guildID,
		ChannelID:      channel,
		UserID:         otherID,
		Name:           name,
		Options:        options,
		CanManageRoles: true,
	})
}

func tokenOf(t *testing.T, r *Reply) string {
	require.NotEmpty(t, r.Rows)
	u, err := url.Parse(r.Rows[0][0].URL)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func dialBridge(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token + "&userId=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) (string, gjson.Result) {
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	return gjson.GetBytes(msg, "event").String(), gjson.GetBytes(msg, "data")
}

func send(t *testing.T, ws *websocket.Conn, raw string) {
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestPairingRoundTrip(t *testing.T) {
	f := newFixture(t)
	hub := bridge.NewHub(f.d)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	added := f.admin(CmdAddRole, map[string]string{OptionRoleName: "Gold", OptionAmount: "100", OptionColor: "#FFD700"})
	assert.Equal(t, "Role Gold added", added.Content)
	f.chain.amounts[wallet] = 60
	f.chain.amounts[vault] = 50
	f.chain.vaults[wallet] = vault

	reply := f.run(CmdConnect, userID, nil)
	require.Len(t, reply.Embeds, 1)
	assert.Equal(t, "These links will expire in 1 minute", reply.Embeds[0].Description)
	require.Len(t, reply.Rows[0], 2)
	assert.Contains(t, reply.Rows[0][1].URL, "metamask.app.link")
	require.Len(t, reply.Files, 1)
	assert.Equal(t, "attachment://"+qrFileName, reply.Embeds[0].ImageURL)
	token := tokenOf(t, reply)

	ws := dialBridge(t, srv, token)
	defer ws.Close()
	send(t, ws, fmt.Sprintf(`{"event":"account","data":{"account":%q,"userId":%q}}`, strings.ToLower(wallet), userID))

	event, data := readEvent(t, ws)
	assert.Equal(t, pairing.EventConnectedAccount, event)
	assert.Equal(t, wallet, data.String())

	assert.Eventually(t, func() bool {
		return f.platform.holds(userID, "role-1")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(f.messenger.find(titled("Wallet connected"))) == 1
	}, 3*time.Second, 10*time.Millisecond)
	gc, err := f.guilds.Get(guildID)
	require.NoError(t, err)
	b, err := gc.Binding(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, vault, b.VaultAddress)
	assert.Eventually(t, func() bool {
		for _, e := range f.bus.Events() {
			if be, ok := e.(databus.BindingEvent); ok && be.Type == databus.BindingBound {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "Already connected, use /disconnect first", f.run(CmdConnect, userID, nil).Content)

	mine := f.run(CmdMyRole, userID, nil)
	require.Len(t, mine.Embeds, 1)
	assert.Contains(t, mine.Embeds[0].Description, "**Gold** (100 KIRO)")

	vaultReply := f.run(CmdMyVault, userID, nil)
	require.Len(t, vaultReply.Embeds, 1)
	assert.Equal(t, "Satoshi Nakamoto's Vault", vaultReply.Embeds[0].Title)
	assert.Equal(t, "110 KIRO", vaultReply.Embeds[0].Fields[4].Value)

	f.run(CmdDisconnect, userID, nil)
	_, err = gc.Binding(context.Background(), userID)
	assert.ErrorIs(t, err, guild.ErrNotFound)
	assert.False(t, f.platform.holds(userID, "role-1"))
	assert.Equal(t, "Not connected", f.run(CmdDeposits, userID, nil).Content)
}

func TestDuplicatePairingClosesLatePage(t *testing.T) {
	f := newFixture(t)
	hub := bridge.NewHub(f.d)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	first := dialBridge(t, srv, tokenOf(t, f.run(CmdConnect, userID, nil)))
	defer first.Close()
	second := dialBridge(t, srv, tokenOf(t, f.run(CmdConnect, userID, nil)))
	defer second.Close()
	assert.Eventually(t, func() bool { return hub.Count() == 2 }, 3*time.Second, 10*time.Millisecond)

	send(t, first, fmt.Sprintf(`{"event":"account","data":{"account":%q}}`, wallet))
	event, _ := readEvent(t, first)
	require.Equal(t, pairing.EventConnectedAccount, event)

	send(t, second, fmt.Sprintf(`{"event":"account","data":{"account":%q}}`, vault))
	event, data := readEvent(t, second)
	assert.Equal(t, EventAlreadyConnected, event)
	assert.Equal(t, userID, data.Get("userId").String())
	assert.Equal(t, alreadyConnected, data.Get("error").String())

	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(f.messenger.find(func(s sent) bool { return s.reply.Content == alreadyConnected })) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// the first page keeps its binding
	gc, err := f.guilds.Get(guildID)
	require.NoError(t, err)
	b, err := gc.Binding(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, wallet, b.WalletAddress)
}

func TestRelayThroughBridge(t *testing.T) {
	f := newFixture(t)
	hub := bridge.NewHub(f.d)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialBridge(t, srv, tokenOf(t, f.run(CmdConnect, userID, nil)))
	defer ws.Close()
	send(t, ws, fmt.Sprintf(`{"event":"account","data":{"account":%q}}`, wallet))
	event, _ := readEvent(t, ws)
	require.Equal(t, pairing.EventConnectedAccount, event)

	// the recipient only needs a stored binding
	gc, err := f.guilds.Get(guildID)
	require.NoError(t, err)
	require.NoError(t, gc.SetBinding(context.Background(), guild.UserBinding{UserID: otherID, WalletAddress: vault}))

	reply := f.run(CmdSendKiro, userID, map[string]string{
		OptionUser: otherID, OptionSendAmount: "12.5", OptionWalletType: "wallet",
	})
	assert.Contains(t, reply.Content, "Confirm the transfer of 12.5 KIRO")
	event, data := readEvent(t, ws)
	assert.Equal(t, relay.EventSend, event)
	assert.Equal(t, vault, data.Get("addressTo").String())
	assert.Equal(t, "KIRO", data.Get("currency").String())
	requestID := data.Get("requestId").String()
	require.NotEmpty(t, requestID)

	send(t, ws, fmt.Sprintf(`{"event":"transactionSendSuccess","data":{"requestId":%q,"trxHash":"0xfeed","channelId":"111111111111111111","url":"https://evil.example"}}`, requestID))
	var success []sent
	assert.Eventually(t, func() bool {
		success = f.messenger.find(titled(":tada: Transaction sent successfully"))
		return len(success) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Len(t, success, 1)
	assert.Equal(t, channel, success[0].channelID)
	assert.NotEqual(t, "https://evil.example", success[0].reply.Embeds[0].URL)

	assert.Contains(t, f.run(CmdDeposits, userID, nil).Content, "direct messages")
	event, data = readEvent(t, ws)
	assert.Equal(t, relay.EventGetTransactions, event)
	assert.Equal(t, "DEPOSIT", data.Get("type").String())

	var deposits []string
	for i := 0; i < 6; i++ {
		deposits = append(deposits, fmt.Sprintf(`{"id":"tx%d","to":%q}`, i, vault))
	}
	send(t, ws, fmt.Sprintf(`{"event":"deposits","data":{"userId":%q,"deposits":[%s]}}`, userID, strings.Join(deposits, ",")))
	var dms []sent
	assert.Eventually(t, func() bool {
		dms = f.messenger.find(titled("Deposits"))
		return len(dms) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Len(t, dms, 2)
	assert.Equal(t, userID, dms[0].userID)
	assert.Len(t, dms[0].reply.Rows[0], 5)
	assert.Len(t, dms[1].reply.Rows[0], 1)
	undoID := dms[0].reply.Rows[0][0].CustomID
	assert.Equal(t, "guild:"+guildID+"_deposit:tx0", undoID)

	undo := f.d.Component(context.Background(), &Invocation{ChannelID: "dm-1", UserID: userID, Name: undoID})
	assert.Equal(t, "Undo request sent to your wallet", undo.Content)
	event, data = readEvent(t, ws)
	assert.Equal(t, relay.EventRetrieve, event)
	assert.Equal(t, "tx0", data.Get("id").String())

	// closing the page fails the undo that is still waiting
	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		list := f.messenger.find(titled(":face_with_symbols_over_mouth: Transaction failed"))
		return len(list) == 1 && list[0].reply.Embeds[0].Fields[0].Value == relay.ReasonDisconnected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnectWithImageStoreAndLimiter(t *testing.T) {
	images := &fakeImages{}
	f := newFixture(t, func(d *Deps) { d.Images = images })
	reply := f.run(CmdConnect, userID, nil)
	require.Len(t, images.keys, 1)
	assert.Empty(t, reply.Files)
	assert.Equal(t, "https://images.example/"+images.keys[0], reply.Embeds[0].ImageURL)
	assert.NotContains(t, images.keys[0], tokenOf(t, reply))

	limited := newFixture(t, func(d *Deps) { d.Limiter = denyLimiter{} })
	assert.Equal(t, "Too many connect requests, try again in 30s", limited.run(CmdConnect, userID, nil).Content)
}

func TestCommandReplies(t *testing.T) {
	f := newFixture(t)

	notConnected := f.run(CmdMyVault, userID, nil)
	assert.Equal(t, "Not connected", notConnected.Content)
	assert.Equal(t, ButtonConnect, notConnected.Rows[0][0].CustomID)
	assert.Equal(t, "Not connected", f.run(CmdDisconnect, userID, nil).Content)
	assert.Equal(t, "No roles yet", f.run(CmdGetRoles, userID, nil).Content)

	assert.Contains(t, f.run(CmdAddRole, userID, map[string]string{OptionRoleName: "Gold", OptionAmount: "1"}).Content,
		"Manage Roles")
	assert.Equal(t, "role name required", f.admin(CmdAddRole, map[string]string{OptionAmount: "1"}).Content)
	assert.Equal(t, "amount required", f.admin(CmdAddRole, map[string]string{OptionRoleName: "Gold"}).Content)
	assert.Equal(t, "invalid amount", f.admin(CmdAddRole, map[string]string{OptionRoleName: "Gold", OptionAmount: "x"}).Content)
	assert.Contains(t, f.admin(CmdAddRole, map[string]string{OptionRoleName: "Gold", OptionAmount: "1", OptionColor: "blue"}).Content,
		"hex")
	f.admin(CmdAddRole, map[string]string{OptionRoleName: "Bronze", OptionAmount: "10", OptionEmoji: "🥉"})
	f.admin(CmdAddRole, map[string]string{OptionRoleName: "Gold", OptionAmount: "100"})
	assert.Equal(t, "role already exists", f.admin(CmdAddRole, map[string]string{OptionRoleName: "Gold", OptionAmount: "5"}).Content)

	ladder := f.run(CmdGetRoles, userID, nil)
	require.Len(t, ladder.Embeds, 1)
	require.Len(t, ladder.Embeds[0].Fields, 2)
	assert.Equal(t, "Gold", ladder.Embeds[0].Fields[0].Name)
	assert.Equal(t, "🥉 Bronze", ladder.Embeds[0].Fields[1].Name)

	assert.Equal(t, "Role not found", f.admin(CmdDeleteRole, map[string]string{OptionRoleName: "Silver"}).Content)
	assert.Equal(t, "Role Gold deleted", f.admin(CmdDeleteRole, map[string]string{OptionRoleName: "Gold"}).Content)

	assert.Equal(t, "Rinkeby", f.run(CmdGetChain, userID, nil).Embeds[0].Description)
	assert.Equal(t, "Unknown chain", f.admin(CmdSetChain, map[string]string{OptionChain: "goerli"}).Content)
	moved := f.admin(CmdSetChain, map[string]string{OptionChain: "1"})
	assert.Equal(t, "Mainnet", moved.Embeds[0].Description)
	assert.Equal(t, ColorBlue, moved.Embeds[0].Color)

	assert.Equal(t, "user not found", f.run(CmdSendKiro, userID, map[string]string{OptionUser: "bob"}).Content)
	assert.Equal(t, "amount required", f.run(CmdSendKiro, userID, map[string]string{OptionUser: otherID}).Content)
	assert.Equal(t, "wallet type required", f.run(CmdSendKiro, userID, map[string]string{
		OptionUser: otherID, OptionSendAmount: "1",
	}).Content)
	assert.Equal(t, "Not connected", f.run(CmdSendKiro, userID, map[string]string{
		OptionUser: otherID, OptionSendAmount: "1", OptionWalletType: "vault",
	}).Content)
}

func TestHelpHidesAdminCommands(t *testing.T) {
	f := newFixture(t)
	names := func(r *Reply) []string {
		var list []string
		for _, field := range r.Embeds[0].Fields {
			list = append(list, field.Name)
		}
		return list
	}
	member := names(f.run(CmdHelp, userID, nil))
	admin := names(f.admin(CmdHelp, nil))
	assert.NotContains(t, member, "/"+CmdAddRole)
	assert.Contains(t, admin, "/"+CmdAddRole)
	assert.Len(t, admin, len(f.d.Commands()))
}

func TestTransactionIDs(t *testing.T) {
	id := transactionID(guildID, actionCollect, "0xabc:1")
	g, action, tx, ok := parseTransactionID(id)
	assert.True(t, ok)
	assert.Equal(t, guildID, g)
	assert.Equal(t, actionCollect, action)
	assert.Equal(t, "0xabc:1", tx)

	for _, bad := range []string{"connect", "guild:", "guild:abc_deposit:1", "guild:" + guildID + "_deposit:", "guild:" + guildID} {
		_, _, _, ok := parseTransactionID(bad)
		assert.False(t, ok, bad)
	}
}

func TestCollectAsksForPasscode(t *testing.T) {
	f := newFixture(t)
	reply := f.d.Component(context.Background(), &Invocation{
		UserID: userID, Name: transactionID(guildID, actionCollect, "tx9"),
	})
	require.NotNil(t, reply.Modal)
	assert.Equal(t, transactionID(guildID, actionPasscode, "tx9"), reply.Modal.CustomID)

	submit := f.d.ModalSubmit(context.Background(), &Invocation{
		UserID: userID, Name: reply.Modal.CustomID, Options: map[string]string{OptionPasscode: "1234"},
	})
	assert.Equal(t, "Not connected", submit.Content)
}

func TestGuildLeft(t *testing.T) {
	f := newFixture(t)
	gc, err := f.guilds.Get(guildID)
	require.NoError(t, err)
	require.NoError(t, gc.SetBinding(context.Background(), guild.UserBinding{UserID: userID, WalletAddress: wallet}))
	f.run(CmdConnect, userID, nil)
	assert.Equal(t, 1, f.d.Pairing.Pending())

	require.NoError(t, f.d.GuildLeft(context.Background(), guildID))
	assert.Equal(t, 0, f.d.Pairing.Pending())
	_, err = f.guilds.Get(guildID)
	assert.ErrorIs(t, err, guild.ErrGuildNotFound)
	bindings, err := f.guilds.Store().Bindings(context.Background(), guildID)
	require.NoError(t, err)
	assert.Empty(t, bindings)
	assert.Contains(t, f.run(CmdConnect, userID, nil).Content, "inside a server")
}
