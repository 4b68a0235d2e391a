package discord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"moff.io/moff-vault/internal/bot"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// Guilds joined less than this long ago get the welcome message.
const welcomeWindow = time.Minute

// Bot feeds discord gateway events into the dispatcher and renders its replies.
type Bot struct {
	ctx        context.Context
	session    *discordgo.Session
	platform   *Platform
	dispatcher *bot.Dispatcher
}

func NewBot(ctx context.Context, s *discordgo.Session, p *Platform, d *bot.Dispatcher) *Bot {
	b := &Bot{ctx: ctx, session: s, platform: p, dispatcher: d}
	d.OnRulesChanged(b.registerCommands)
	return b
}

// Open registers the event handlers and connects to the gateway.
func (b *Bot) Open() error {
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		log.Infof("Bot is running as %v in %d guilds", r.User.Username, len(r.Guilds))
	})
	b.session.AddHandler(b.guildCreateEventHandler)
	b.session.AddHandler(b.guildDeleteEventHandler)
	b.session.AddHandler(b.interactionEventHandler)
	if err := b.session.Open(); err != nil {
		return errors.ErrorfAndReport("Cannot open the session: %v", err)
	}
	return nil
}

func (b *Bot) Close() error {
	return b.session.Close()
}

func (b *Bot) guildCreateEventHandler(s *discordgo.Session, e *discordgo.GuildCreate) {
	b.onGuildCreate(e.Guild)
}

func (b *Bot) guildDeleteEventHandler(s *discordgo.Session, e *discordgo.GuildDelete) {
	b.onGuildDelete(e.Guild)
}

func (b *Bot) interactionEventHandler(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.onInteraction(i.Interaction)
}

func (b *Bot) onGuildCreate(g *discordgo.Guild) {
	if g.Unavailable {
		return
	}
	b.dispatcher.GuildJoined(g.ID)
	b.registerCommands(b.ctx, g.ID)
	if g.SystemChannelID == "" || g.JoinedAt.IsZero() || time.Since(g.JoinedAt) > welcomeWindow {
		return
	}
	if err := b.platform.SendChannel(b.ctx, g.SystemChannelID, b.dispatcher.Welcome()); err != nil {
		log.Warnf("welcome guild %v: %v", g.ID, err)
	}
}

// onGuildDelete tears the guild down unless the event only reports an outage.
func (b *Bot) onGuildDelete(g *discordgo.Guild) {
	if g.Unavailable {
		log.Warnf("guild %v is unavailable", g.ID)
		return
	}
	if err := b.dispatcher.GuildLeft(b.ctx, g.ID); err != nil {
		log.Errorf("leave guild %v: %v", g.ID, err)
	}
}

func (b *Bot) registerCommands(ctx context.Context, guildID string) {
	gc, err := b.dispatcher.Guilds.Get(guildID)
	if err != nil {
		return
	}
	rules, err := gc.Rules(ctx)
	if err != nil {
		log.Errorf("list rules of guild %v: %v", guildID, err)
	}
	commands := applicationCommands(b.dispatcher.Commands(), rules, b.dispatcher.Chains.All())
	if err := b.platform.api.overwriteCommands(guildID, commands); err != nil {
		log.Errorf("Cannot register commands in guild %v: %v", guildID, err)
		return
	}
	log.Infof("Overwrite app commands in guild %v", guildID)
}

func (b *Bot) onInteraction(i *discordgo.Interaction) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("interaction handler: %+v", errors.WithStackAndReport(errors.Recovered(r)))
		}
	}()
	inv := invocation(i)
	ctx := b.ctx
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		if c, ok := b.dispatcher.Lookup(inv.Name); ok && c.Deferred {
			b.deferred(ctx, i, inv)
			return
		}
		b.respond(i, b.dispatcher.Command(ctx, inv))
	case discordgo.InteractionMessageComponent:
		b.respond(i, b.dispatcher.Component(ctx, inv))
	case discordgo.InteractionModalSubmit:
		b.respond(i, b.dispatcher.ModalSubmit(ctx, inv))
	}
}

func (b *Bot) respond(i *discordgo.Interaction, r *bot.Reply) {
	if err := b.platform.api.respond(i, interactionResponse(r)); err != nil {
		log.Errorf("respond interaction %v: %v", i.ID, err)
	}
}

func (b *Bot) deferred(ctx context.Context, i *discordgo.Interaction, inv *bot.Invocation) {
	if err := b.platform.api.respond(i, deferredResponse()); err != nil {
		log.Errorf("defer interaction %v: %v", i.ID, err)
		return
	}
	r := b.dispatcher.Command(ctx, inv)
	if err := b.platform.api.editResponse(i, webhookEdit(r)); err != nil {
		log.Errorf("edit interaction %v: %v", i.ID, err)
	}
}

// invocation flattens an interaction. Direct messages carry User instead of Member.
func invocation(i *discordgo.Interaction) *bot.Invocation {
	inv := &bot.Invocation{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Options:   map[string]string{},
	}
	user := i.User
	if i.Member != nil {
		perms := i.Member.Permissions
		inv.CanManageRoles = perms&discordgo.PermissionManageRoles != 0 || perms&discordgo.PermissionAdministrator != 0
		user = i.Member.User
		inv.UserName = i.Member.Nick
	}
	if user != nil {
		inv.UserID = user.ID
		if inv.UserName == "" {
			inv.UserName = user.Username
		}
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		inv.Name = data.Name
		for _, o := range data.Options {
			inv.Options[o.Name] = optionString(o)
		}
	case discordgo.InteractionMessageComponent:
		inv.Name = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		inv.Name = data.CustomID
		for _, c := range data.Components {
			row, ok := c.(*discordgo.ActionsRow)
			if !ok {
				continue
			}
			for _, rc := range row.Components {
				if in, ok := rc.(*discordgo.TextInput); ok {
					inv.Options[in.CustomID] = in.Value
				}
			}
		}
	}
	return inv
}

// optionString renders an option value. User options hold the user id.
func optionString(o *discordgo.ApplicationCommandInteractionDataOption) string {
	switch v := o.Value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
