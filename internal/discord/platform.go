package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"moff.io/moff-vault/internal/bot"
	"moff.io/moff-vault/internal/roles"
	"moff.io/moff-vault/pkg/errors"
)

var (
	_ roles.Platform = (*Platform)(nil)
	_ bot.Messenger  = (*Platform)(nil)
)

// Platform carries out role changes and messages on discord.
type Platform struct {
	api rest
}

func NewPlatform(s *discordgo.Session, appID string) *Platform {
	return &Platform{api: sessionREST{s: s, appID: appID}}
}

func (p *Platform) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := p.api.memberRoles(guildID, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "get member %v of guild %v", userID, guildID)
	}
	return ids, nil
}

func (p *Platform) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(p.api.addMemberRole(guildID, userID, roleID), "add role %v to %v", roleID, userID)
}

func (p *Platform) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(p.api.removeMemberRole(guildID, userID, roleID), "remove role %v from %v", roleID, userID)
}

func (p *Platform) CreateRole(ctx context.Context, guildID string, role roles.RoleSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &discordgo.RoleParams{Name: role.Name}
	if role.Color != 0 {
		color := role.Color
		params.Color = &color
	}
	id, err := p.api.createRole(guildID, params)
	if err != nil {
		return "", errors.Wrapf(err, "create role %q in guild %v", role.Name, guildID)
	}
	return id, nil
}

func (p *Platform) DeleteRole(ctx context.Context, guildID, roleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(p.api.deleteRole(guildID, roleID), "delete role %v of guild %v", roleID, guildID)
}

func (p *Platform) SendChannel(ctx context.Context, channelID string, r *bot.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(p.api.send(channelID, messageSend(r)), "send to channel %v", channelID)
}

// SendDirect opens the direct message channel of the user and posts there.
func (p *Platform) SendDirect(ctx context.Context, userID string, r *bot.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channelID, err := p.api.userChannel(userID)
	if err != nil {
		return errors.Wrapf(err, "open direct channel of %v", userID)
	}
	return errors.Wrapf(p.api.send(channelID, messageSend(r)), "send to user %v", userID)
}
