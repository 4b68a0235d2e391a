package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"moff.io/moff-vault/internal/chains"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/internal/databus"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/internal/pairing"
	"moff.io/moff-vault/internal/relay"
	"moff.io/moff-vault/internal/roles"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// Messenger posts replies outside of an interaction.
type Messenger interface {
	SendChannel(ctx context.Context, channelID string, r *Reply) error
	SendDirect(ctx context.Context, userID string, r *Reply) error
}

// ConnectLimiter throttles connect link requests per user.
type ConnectLimiter interface {
	Allow(ctx context.Context, userID string) (bool, time.Duration, error)
}

// ImageStore publishes an image and returns a temporary URL for it.
type ImageStore interface {
	Share(ctx context.Context, key, contentType string, body []byte, expire time.Duration) (string, error)
}

// Deps are the components the dispatcher drives. Limiter and Images are optional.
type Deps struct {
	Config    *config.Configuration
	Guilds    *guild.Registry
	Chains    *chains.Table
	Balances  roles.BalanceSource
	Pairing   *pairing.Registry
	Engine    *roles.Engine
	Relay     *relay.Relay
	Messenger Messenger
	Bus       databus.Publisher
	Limiter   ConnectLimiter
	Images    ImageStore
}

// Invocation is one user action: a command, a button press or a modal submit.
type Invocation struct {
	GuildID   string
	ChannelID string
	UserID    string
	UserName  string
	// Name is the command name or the component custom id.
	Name           string
	Options        map[string]string
	CanManageRoles bool
}

func (in *Invocation) Option(name string) string {
	if in.Options == nil {
		return ""
	}
	return strings.TrimSpace(in.Options[name])
}

type handlerFunc func(ctx context.Context, inv *Invocation) *Reply

// Command describes a slash command of the bot.
type Command struct {
	Name        string
	Description string
	AdminOnly   bool
	// Deferred commands call the chain and are acknowledged before they run.
	Deferred bool
	handle   handlerFunc
}

// Dispatcher turns chat invocations and bridge events into calls on the
// pairing registry, the role engine and the relay.
type Dispatcher struct {
	Deps
	ctx      context.Context
	commands []*Command
	byName   map[string]*Command

	mu           sync.Mutex
	ruleWatchers []RulesChangedHook
}

// RulesChangedHook runs after a rule of the guild was added or removed.
type RulesChangedHook func(ctx context.Context, guildID string)

func NewDispatcher(ctx context.Context, deps Deps) *Dispatcher {
	if deps.Bus == nil {
		deps.Bus = databus.Nop{}
	}
	d := &Dispatcher{Deps: deps, ctx: ctx}
	d.commands = d.commandTable()
	d.byName = make(map[string]*Command, len(d.commands))
	for _, c := range d.commands {
		d.byName[c.Name] = c
	}
	d.Pairing.OnBound(d.onBound)
	return d
}

// OnRulesChanged registers h to run after add-role and delete-role.
func (d *Dispatcher) OnRulesChanged(h RulesChangedHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ruleWatchers = append(d.ruleWatchers, h)
}

func (d *Dispatcher) rulesChanged(ctx context.Context, guildID string) {
	d.mu.Lock()
	hooks := append([]RulesChangedHook(nil), d.ruleWatchers...)
	d.mu.Unlock()
	for _, h := range hooks {
		h(ctx, guildID)
	}
}

// Commands lists every slash command in display order.
func (d *Dispatcher) Commands() []*Command {
	return d.commands
}

func (d *Dispatcher) Lookup(name string) (*Command, bool) {
	c, ok := d.byName[name]
	return c, ok
}

// GuildJoined creates the guild context and starts following its chain.
// Calling it again for a known guild is a no-op.
func (d *Dispatcher) GuildJoined(guildID string) *guild.Context {
	gc, created := d.Guilds.Create(guildID, 0)
	if created {
		d.Engine.Track(gc)
		d.Engine.Schedule(guildID)
	}
	return gc
}

// GuildLeft tears the guild down: live sessions close, pending relay requests
// fail, the stored namespaces are cleared and its chain is unwatched.
func (d *Dispatcher) GuildLeft(ctx context.Context, guildID string) error {
	gc, err := d.Guilds.Get(guildID)
	if err != nil {
		return nil
	}
	chainID := gc.ChainID()
	sessions, err := d.Guilds.Destroy(ctx, guildID)
	d.Pairing.CloseGuild(guildID, sessions)
	for _, s := range sessions {
		if tr := s.Transport(); tr != nil {
			d.Relay.OnDisconnect(ctx, tr.ID())
		}
	}
	d.Engine.Untrack(chainID)
	if err != nil {
		return err
	}
	log.Infof("left guild %v, %d sessions closed", guildID, len(sessions))
	return nil
}

// Command runs a slash command and returns what to answer.
func (d *Dispatcher) Command(ctx context.Context, inv *Invocation) *Reply {
	c, ok := d.byName[inv.Name]
	if !ok {
		return textReply("Unknown command")
	}
	if _, err := d.Guilds.Get(inv.GuildID); err != nil {
		return textReply("This command only works inside a server")
	}
	if c.AdminOnly && !inv.CanManageRoles {
		return textReply("You need the Manage Roles permission for this command")
	}
	defer logHandlerDuration(c.Name, time.Now())
	return c.handle(ctx, inv)
}

// Component handles a button press.
func (d *Dispatcher) Component(ctx context.Context, inv *Invocation) *Reply {
	switch inv.Name {
	case ButtonConnect:
		return d.connect(ctx, inv)
	case ButtonHelp:
		return d.help(ctx, inv)
	}
	guildID, action, txID, ok := parseTransactionID(inv.Name)
	if !ok {
		return textReply("Unknown action")
	}
	switch action {
	case actionDeposit:
		return d.undo(ctx, guildID, txID, inv)
	case actionCollect:
		return &Reply{Modal: &Modal{
			CustomID: transactionID(guildID, actionPasscode, txID),
			Title:    "Collect transfer",
			Inputs: []TextInput{{
				CustomID:  OptionPasscode,
				Label:     "Passcode",
				MaxLength: 64,
				Required:  true,
			}},
		}}
	}
	return textReply("Unknown action")
}

// ModalSubmit handles the collect passcode form.
func (d *Dispatcher) ModalSubmit(ctx context.Context, inv *Invocation) *Reply {
	guildID, action, txID, ok := parseTransactionID(inv.Name)
	if !ok || action != actionPasscode {
		return textReply("Unknown action")
	}
	passcode := inv.Option(OptionPasscode)
	if passcode == "" {
		return textReply("passcode required")
	}
	_, err := d.Relay.Collect(guildID, inv.UserID, txID, passcode, inv.ChannelID)
	if err != nil {
		return d.relayError(err)
	}
	return textReply("Collect request sent to your wallet")
}

func (d *Dispatcher) relayError(err error) *Reply {
	if errors.Is(err, relay.ErrNotConnected) || errors.Is(err, guild.ErrGuildNotFound) {
		return notConnectedReply()
	}
	log.Warnf("relay request: %v", err)
	return textReply("Your wallet page could not be reached, reconnect and try again")
}

func logHandlerDuration(name string, start time.Time) {
	log.Debugf("%v handled in %v", name, time.Since(start))
}
