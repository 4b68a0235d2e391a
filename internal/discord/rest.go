package discord

import (
	"github.com/bwmarrin/discordgo"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/pkg/errors"
)

// rest is the part of the discord REST API the bot calls.
type rest interface {
	memberRoles(guildID, userID string) ([]string, error)
	addMemberRole(guildID, userID, roleID string) error
	removeMemberRole(guildID, userID, roleID string) error
	createRole(guildID string, params *discordgo.RoleParams) (string, error)
	deleteRole(guildID, roleID string) error
	userChannel(userID string) (string, error)
	send(channelID string, msg *discordgo.MessageSend) error
	overwriteCommands(guildID string, commands []*discordgo.ApplicationCommand) error
	respond(i *discordgo.Interaction, resp *discordgo.InteractionResponse) error
	editResponse(i *discordgo.Interaction, edit *discordgo.WebhookEdit) error
}

// NewSession creates the gateway session. Only guild events are needed:
// commands, buttons and modals arrive as interactions.
func NewSession(bot *config.DiscordBot) (*discordgo.Session, error) {
	ses, err := discordgo.New("Bot " + bot.AuthToken)
	if err != nil {
		return nil, errors.Errorf("create new discord session:%v", err)
	}
	ses.Identify.Intents = discordgo.IntentsGuilds
	return ses, nil
}

type sessionREST struct {
	s     *discordgo.Session
	appID string
}

func (r sessionREST) memberRoles(guildID, userID string) ([]string, error) {
	m, err := r.s.GuildMember(guildID, userID)
	if err != nil {
		return nil, err
	}
	return m.Roles, nil
}

func (r sessionREST) addMemberRole(guildID, userID, roleID string) error {
	return r.s.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (r sessionREST) removeMemberRole(guildID, userID, roleID string) error {
	return r.s.GuildMemberRoleRemove(guildID, userID, roleID)
}

func (r sessionREST) createRole(guildID string, params *discordgo.RoleParams) (string, error) {
	role, err := r.s.GuildRoleCreate(guildID, params)
	if err != nil {
		return "", err
	}
	return role.ID, nil
}

func (r sessionREST) deleteRole(guildID, roleID string) error {
	return r.s.GuildRoleDelete(guildID, roleID)
}

func (r sessionREST) userChannel(userID string) (string, error) {
	ch, err := r.s.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

func (r sessionREST) send(channelID string, msg *discordgo.MessageSend) error {
	_, err := r.s.ChannelMessageSendComplex(channelID, msg)
	return err
}

func (r sessionREST) overwriteCommands(guildID string, commands []*discordgo.ApplicationCommand) error {
	_, err := r.s.ApplicationCommandBulkOverwrite(r.appID, guildID, commands)
	return err
}

func (r sessionREST) respond(i *discordgo.Interaction, resp *discordgo.InteractionResponse) error {
	return r.s.InteractionRespond(i, resp)
}

func (r sessionREST) editResponse(i *discordgo.Interaction, edit *discordgo.WebhookEdit) error {
	_, err := r.s.InteractionResponseEdit(i, edit)
	return err
}
