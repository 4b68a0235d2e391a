package discord

import (
	"github.com/bwmarrin/discordgo"
	"moff.io/moff-vault/internal/bot"
	"moff.io/moff-vault/internal/chains"
	"moff.io/moff-vault/internal/guild"
)

// discord accepts at most 25 choices per option.
const maxChoices = 25

func stringOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: description,
		Required:    required,
	}
}

func withChoices(o *discordgo.ApplicationCommandOption, names []string) *discordgo.ApplicationCommandOption {
	for _, n := range names {
		if len(o.Choices) == maxChoices {
			break
		}
		o.Choices = append(o.Choices, &discordgo.ApplicationCommandOptionChoice{Name: n, Value: n})
	}
	return o
}

// commandOptions lists the options of a command. Rule and chain names are
// offered as choices, so commands are registered again when rules change.
func commandOptions(name string, rules []guild.RoleRule, list []*chains.Blockchain) []*discordgo.ApplicationCommandOption {
	switch name {
	case bot.CmdAddRole:
		return []*discordgo.ApplicationCommandOption{
			stringOption(bot.OptionRoleName, "Name of the role", true),
			stringOption(bot.OptionAmount, "Token amount a member must hold, e.g. 1000 or 0.5", true),
			stringOption(bot.OptionColor, "Role color as hex, e.g. #FFD700", false),
			stringOption(bot.OptionEmoji, "Emoji shown next to the role", false),
		}
	case bot.CmdDeleteRole:
		names := make([]string, 0, len(rules))
		for _, r := range rules {
			names = append(names, r.Name)
		}
		return []*discordgo.ApplicationCommandOption{
			withChoices(stringOption(bot.OptionRoleName, "Role to delete", true), names),
		}
	case bot.CmdSetChain:
		names := make([]string, 0, len(list))
		for _, c := range list {
			names = append(names, c.Name)
		}
		return []*discordgo.ApplicationCommandOption{
			withChoices(stringOption(bot.OptionChain, "Chain to read balances from", true), names),
		}
	case bot.CmdSendKiro:
		return []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        bot.OptionUser,
				Description: "Who receives the tokens",
				Required:    true,
			},
			stringOption(bot.OptionSendAmount, "Amount to send", true),
			withChoices(stringOption(bot.OptionWalletType, "Send to the wallet or the vault", true),
				[]string{bot.WalletTypeWallet, bot.WalletTypeVault}),
			stringOption(bot.OptionPasscode, "Passcode the receiver needs to collect", false),
		}
	}
	return nil
}

func applicationCommands(commands []*bot.Command, rules []guild.RoleRule, list []*chains.Blockchain) []*discordgo.ApplicationCommand {
	var (
		manageRoles int64 = discordgo.PermissionManageRoles
		dm                = false
	)
	out := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, c := range commands {
		cmd := &discordgo.ApplicationCommand{
			Name:         c.Name,
			Description:  c.Description,
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dm,
			Options:      commandOptions(c.Name, rules, list),
		}
		if c.AdminOnly {
			cmd.DefaultMemberPermissions = &manageRoles
		}
		out = append(out, cmd)
	}
	return out
}
