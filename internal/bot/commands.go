package bot

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"moff.io/moff-vault/internal/chains"
	"moff.io/moff-vault/internal/databus"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/internal/pairing"
	"moff.io/moff-vault/internal/relay"
	"moff.io/moff-vault/internal/roles"
	"moff.io/moff-vault/pkg/common"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

const (
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdMyVault    = "my-vault"
	CmdGetRoles   = "get-roles"
	CmdMyRole     = "my-role"
	CmdAddRole    = "add-role"
	CmdDeleteRole = "delete-role"
	CmdSetChain   = "set-chain"
	CmdGetChain   = "get-chain"
	CmdSendKiro   = "send-kiro"
	CmdDeposits   = "deposits"
	CmdCollects   = "collects"
	CmdHelp       = "help"
)

const (
	OptionRoleName   = "role-name"
	OptionAmount     = "kiro-amount-required"
	OptionColor      = "color"
	OptionEmoji      = "emoji"
	OptionChain      = "chain-name"
	OptionUser       = "user-name"
	OptionSendAmount = "amount"
	OptionWalletType = "wallet-type"
	OptionPasscode   = "passcode"
)

const (
	ButtonConnect = "connect"
	ButtonHelp    = "help"

	actionDeposit  = "deposit"
	actionCollect  = "collect"
	actionPasscode = "pass"
)

const (
	WalletTypeWallet = "wallet"
	WalletTypeVault  = "vault"
)

const qrFileName = "connect-qr.png"

func (d *Dispatcher) commandTable() []*Command {
	return []*Command{
		{Name: CmdConnect, Description: "Connect metamask account to this bot", handle: d.connect},
		{Name: CmdDisconnect, Description: "Disconnect metamask account", handle: d.disconnect},
		{Name: CmdMyVault, Description: "Show my vault info", Deferred: true, handle: d.myVault},
		{Name: CmdGetRoles, Description: "List the roles and the amount each one requires", handle: d.getRoles},
		{Name: CmdMyRole, Description: "Show my highest role", Deferred: true, handle: d.myRole},
		{Name: CmdAddRole, Description: "Add a role granted from a token amount", AdminOnly: true, Deferred: true, handle: d.addRole},
		{Name: CmdDeleteRole, Description: "Delete role by name", AdminOnly: true, Deferred: true, handle: d.deleteRole},
		{Name: CmdSetChain, Description: "Switch the chain balances are read from", AdminOnly: true, Deferred: true, handle: d.setChain},
		{Name: CmdGetChain, Description: "Show the current chain", handle: d.getChain},
		{Name: CmdSendKiro, Description: "Send tokens to another connected user", handle: d.sendKiro},
		{Name: CmdDeposits, Description: "List my deposits that can still be undone", handle: d.deposits},
		{Name: CmdCollects, Description: "List transfers waiting for me to collect", handle: d.collects},
		{Name: CmdHelp, Description: "Show the available commands", handle: d.help},
	}
}

func transactionID(guildID, action, txID string) string {
	return fmt.Sprintf("guild:%v_%v:%v", guildID, action, txID)
}

func parseTransactionID(customID string) (guildID, action, txID string, ok bool) {
	rest := strings.TrimPrefix(customID, "guild:")
	if rest == customID {
		return "", "", "", false
	}
	i := strings.Index(rest, "_")
	if i <= 0 {
		return "", "", "", false
	}
	guildID, rest = rest[:i], rest[i+1:]
	j := strings.Index(rest, ":")
	if j <= 0 || j == len(rest)-1 {
		return "", "", "", false
	}
	action, txID = rest[:j], rest[j+1:]
	if !common.IsSnowflake(guildID) {
		return "", "", "", false
	}
	return guildID, action, txID, true
}

func humanDuration(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", d/time.Minute)
	}
	return d.Round(time.Second).String()
}

// binding returns the caller's persisted binding, or the reply to send instead.
func (d *Dispatcher) binding(ctx context.Context, inv *Invocation) (*guild.Context, *guild.UserBinding, *Reply) {
	gc, err := d.Guilds.Get(inv.GuildID)
	if err != nil {
		return nil, nil, textReply("This command only works inside a server")
	}
	b, err := gc.Binding(ctx, inv.UserID)
	if errors.Is(err, guild.ErrNotFound) {
		return gc, nil, notConnectedReply()
	}
	if err != nil {
		log.Errorf("read binding of %v: %v", inv.UserID, err)
		return gc, nil, textReply("Something went wrong, try again later")
	}
	return gc, b, nil
}

func (d *Dispatcher) connect(ctx context.Context, inv *Invocation) *Reply {
	if d.Limiter != nil {
		ok, wait, err := d.Limiter.Allow(ctx, inv.UserID)
		if err != nil {
			log.Warnf("connect limiter: %v", err)
		} else if !ok {
			return textReply(fmt.Sprintf("Too many connect requests, try again in %v", humanDuration(wait)))
		}
	}
	token, err := d.Pairing.Issue(inv.GuildID, inv.UserID, inv.ChannelID)
	if errors.Is(err, pairing.ErrAlreadyConnected) {
		return textReply(alreadyConnected)
	}
	if errors.Is(err, guild.ErrGuildNotFound) {
		return textReply("This command only works inside a server")
	}
	if err != nil {
		log.Errorf("issue connect token: %v", err)
		return textReply("Could not create a connect link, try again later")
	}

	desktop := token.Link(d.Config.DiscordBot.ConnectURL)
	row := []Button{{Label: "Chrome App", Style: ButtonLink, URL: desktop}}
	if mobile := d.Config.DiscordBot.MobileConnectURL; mobile != "" {
		row = append(row, Button{Label: "Metamask App", Style: ButtonLink, URL: token.Link(mobile)})
	}
	reply := embedReply(Embed{
		Title:       "Connect to metamask account",
		Description: fmt.Sprintf("These links will expire in %v", humanDuration(token.TTL)),
		Footer:      "This is a read-only connection. Do not share your private keys.",
	})
	reply.Rows = [][]Button{row}
	d.attachQRCode(ctx, reply, desktop, token.TTL)
	return reply
}

func (d *Dispatcher) attachQRCode(ctx context.Context, reply *Reply, link string, ttl time.Duration) {
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		log.Warnf("encode connect qr code: %v", err)
		return
	}
	if d.Images != nil {
		key := "connect/" + common.NewCutUUIDString() + ".png"
		url, err := d.Images.Share(ctx, key, "image/png", png, ttl)
		if err == nil {
			reply.Embeds[0].ImageURL = url
			return
		}
		log.Warnf("share connect qr code: %v", err)
	}
	reply.Files = append(reply.Files, File{Name: qrFileName, ContentType: "image/png", Data: png})
	reply.Embeds[0].ImageURL = "attachment://" + qrFileName
}

func (d *Dispatcher) disconnect(ctx context.Context, inv *Invocation) *Reply {
	gc, err := d.Guilds.Get(inv.GuildID)
	if err != nil {
		return textReply("This command only works inside a server")
	}
	_, live := gc.Session(inv.UserID)
	b, err := gc.Binding(ctx, inv.UserID)
	if err != nil && !errors.Is(err, guild.ErrNotFound) {
		log.Errorf("read binding of %v: %v", inv.UserID, err)
		return textReply("Something went wrong, try again later")
	}
	if !live && b == nil {
		return textReply("Not connected")
	}

	if s, ok := d.Pairing.CloseUser(inv.GuildID, inv.UserID); ok && s.Transport() != nil {
		d.Relay.OnDisconnect(ctx, s.Transport().ID())
	}
	if err := gc.DeleteBinding(ctx, inv.UserID); err != nil {
		log.Errorf("delete binding of %v: %v", inv.UserID, err)
		return textReply("Could not disconnect, try again later")
	}
	if res, err := d.Engine.RevokeAll(ctx, inv.GuildID, inv.UserID); err != nil {
		log.Warnf("revoke roles of %v: %v", inv.UserID, err)
	} else if len(res.Failed) > 0 {
		log.Warnf("revoke roles of %v: %v failed", inv.UserID, res.Failed)
	}
	if b != nil {
		d.publish(databus.BindingEvent{
			Type:    databus.BindingUnbound,
			GuildID: inv.GuildID,
			UserID:  inv.UserID,
			Wallet:  b.WalletAddress,
			Vault:   b.VaultAddress,
			At:      time.Now(),
		})
	}
	return textReply("Disconnected")
}

func (d *Dispatcher) myVault(ctx context.Context, inv *Invocation) *Reply {
	gc, b, reply := d.binding(ctx, inv)
	if reply != nil {
		return reply
	}
	chain, err := d.Chains.Get(gc.ChainID())
	if err != nil {
		return textReply("This server's chain is not supported anymore")
	}
	bal, err := d.Balances.Balance(ctx, chain.ID, b.WalletAddress, b.VaultAddress)
	if err != nil {
		log.Warnf("balance of %v: %v", b.WalletAddress, err)
		return textReply("Could not read your balance, try again later")
	}
	vault := "No vault"
	if b.VaultAddress != "" {
		vault = common.ShortAddress(b.VaultAddress)
	}
	amount := func(v *big.Int) string { return chains.FormatUnits(v, bal.Decimals) + " " + bal.Symbol }
	name := cases.Title(language.English).String(inv.UserName)
	return embedReply(Embed{
		Title: fmt.Sprintf("%v's Vault", name),
		Fields: []Field{
			{Name: "Wallet", Value: common.ShortAddress(b.WalletAddress), Inline: true},
			{Name: "Vault", Value: vault, Inline: true},
			{Name: "Wallet balance", Value: amount(bal.Wallet)},
			{Name: "Vault balance", Value: amount(bal.Vault)},
			{Name: "Total", Value: amount(bal.Total)},
		},
		Footer: chain.Name,
	})
}

func (d *Dispatcher) symbol(gc *guild.Context) string {
	if chain, err := d.Chains.Get(gc.ChainID()); err == nil {
		return chain.Symbol
	}
	return ""
}

func (d *Dispatcher) getRoles(ctx context.Context, inv *Invocation) *Reply {
	gc, err := d.Guilds.Get(inv.GuildID)
	if err != nil {
		return textReply("This command only works inside a server")
	}
	rules, err := d.Engine.Ladder(ctx, inv.GuildID)
	if err != nil {
		log.Errorf("list rules of %v: %v", inv.GuildID, err)
		return textReply("Could not list roles, try again later")
	}
	if len(rules) == 0 {
		return textReply("No roles yet")
	}
	sym := d.symbol(gc)
	fields := make([]Field, 0, len(rules))
	for _, r := range rules {
		fields = append(fields, Field{
			Name:  strings.TrimSpace(r.Emoji + " " + r.Name),
			Value: fmt.Sprintf("%v %v or more", r.ThresholdAmount, sym),
		})
	}
	return embedReply(Embed{Title: "Roles", Fields: fields})
}

func (d *Dispatcher) myRole(ctx context.Context, inv *Invocation) *Reply {
	gc, _, reply := d.binding(ctx, inv)
	if reply != nil {
		return reply
	}
	held, err := d.Engine.HeldRules(ctx, inv.GuildID, inv.UserID)
	if err != nil {
		log.Warnf("held rules of %v: %v", inv.UserID, err)
		return textReply("Could not read your roles, try again later")
	}
	if len(held) == 0 {
		return textReply("You have no role yet")
	}
	top := held[0]
	return embedReply(Embed{
		Title:       "Your role",
		Description: strings.TrimSpace(fmt.Sprintf("%v **%v** (%v %v)", top.Emoji, top.Name, top.ThresholdAmount, d.symbol(gc))),
		Color:       top.Color,
	})
}

func parseColor(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimPrefix(s, "#"), "0x"), 16, 32)
	if err != nil || v < 0 || v > 0xFFFFFF {
		return 0, errors.Errorf("invalid color %q", s)
	}
	return int(v), nil
}

func (d *Dispatcher) addRole(ctx context.Context, inv *Invocation) *Reply {
	color, err := parseColor(inv.Option(OptionColor))
	if err != nil {
		return textReply("Color must be a hex value like #FFD700")
	}
	rule, err := d.Engine.CreateRule(ctx, inv.GuildID, guild.RoleRule{
		Name:            inv.Option(OptionRoleName),
		ThresholdAmount: inv.Option(OptionAmount),
		Color:           color,
		Emoji:           inv.Option(OptionEmoji),
	})
	switch {
	case err == nil:
		d.rulesChanged(ctx, inv.GuildID)
		return textReply(fmt.Sprintf("Role %v added", rule.Name))
	case errors.Is(err, roles.ErrRuleNameRequired), errors.Is(err, roles.ErrAmountRequired),
		errors.Is(err, roles.ErrRuleExists), errors.Is(err, chains.ErrInvalidAmount):
		return textReply(errors.Cause(err).Error())
	default:
		log.Errorf("add role in %v: %v", inv.GuildID, err)
		return textReply("Could not add the role, try again later")
	}
}

func (d *Dispatcher) deleteRole(ctx context.Context, inv *Invocation) *Reply {
	rule, err := d.Engine.DeleteRule(ctx, inv.GuildID, inv.Option(OptionRoleName))
	switch {
	case err == nil:
		d.rulesChanged(ctx, inv.GuildID)
		return textReply(fmt.Sprintf("Role %v deleted", rule.Name))
	case errors.Is(err, roles.ErrRuleNameRequired):
		return textReply(roles.ErrRuleNameRequired.Error())
	case errors.Is(err, guild.ErrNotFound):
		return textReply("Role not found")
	case rule != nil:
		d.rulesChanged(ctx, inv.GuildID)
		log.Warnf("delete server role of rule %v: %v", rule.Name, err)
		return textReply(fmt.Sprintf("Role %v deleted, but the server role could not be removed", rule.Name))
	default:
		log.Errorf("delete role in %v: %v", inv.GuildID, err)
		return textReply("Could not delete the role, try again later")
	}
}

func chainReply(chain *chains.Blockchain) *Reply {
	color := ColorOrange
	if chain.ID == 1 {
		color = ColorBlue
	}
	return embedReply(Embed{Title: "Current Chain", Description: chain.Name, Color: color})
}

func (d *Dispatcher) setChain(ctx context.Context, inv *Invocation) *Reply {
	chain, ok := d.Chains.ByName(inv.Option(OptionChain))
	if !ok {
		return textReply("Unknown chain")
	}
	if err := d.Engine.OnChainNetworkChange(ctx, inv.GuildID, chain.ID); err != nil {
		if errors.Is(err, chains.ErrUnknownChain) {
			return textReply("Unknown chain")
		}
		log.Warnf("switch guild %v to chain %d: %v", inv.GuildID, chain.ID, err)
	}
	return chainReply(chain)
}

func (d *Dispatcher) getChain(_ context.Context, inv *Invocation) *Reply {
	gc, err := d.Guilds.Get(inv.GuildID)
	if err != nil {
		return textReply("This command only works inside a server")
	}
	chain, err := d.Chains.Get(gc.ChainID())
	if err != nil {
		return textReply("This server's chain is not supported anymore")
	}
	return chainReply(chain)
}

func (d *Dispatcher) sendKiro(ctx context.Context, inv *Invocation) *Reply {
	to := inv.Option(OptionUser)
	if !common.IsSnowflake(to) {
		return textReply("user not found")
	}
	amount := inv.Option(OptionSendAmount)
	if amount == "" {
		return textReply(roles.ErrAmountRequired.Error())
	}
	walletType := strings.ToLower(inv.Option(OptionWalletType))
	if walletType != WalletTypeWallet && walletType != WalletTypeVault {
		return textReply("wallet type required")
	}
	gc, _, reply := d.binding(ctx, inv)
	if reply != nil {
		return reply
	}
	recipient, err := gc.Binding(ctx, to)
	if errors.Is(err, guild.ErrNotFound) {
		return textReply(fmt.Sprintf("<@%v> is not connected with a web3 account", to))
	}
	if err != nil {
		log.Errorf("read binding of %v: %v", to, err)
		return textReply("Something went wrong, try again later")
	}
	addressTo := recipient.WalletAddress
	if walletType == WalletTypeVault {
		if recipient.VaultAddress == "" {
			return textReply(fmt.Sprintf("<@%v> has no vault", to))
		}
		addressTo = recipient.VaultAddress
	}
	chain, err := d.Chains.Get(gc.ChainID())
	if err != nil {
		return textReply("This server's chain is not supported anymore")
	}
	if _, err := chains.ParseUnits(amount, chain.Decimals); err != nil {
		return textReply(chains.ErrInvalidAmount.Error())
	}
	_, err = d.Relay.RequestSend(inv.GuildID, inv.UserID, relay.SendRequest{
		AddressTo:  addressTo,
		Amount:     amount,
		ChainID:    chain.ID,
		Currency:   chain.Symbol,
		WalletType: walletType,
		Passcode:   inv.Option(OptionPasscode),
		ChannelID:  inv.ChannelID,
	})
	if err != nil {
		return d.relayError(err)
	}
	return textReply(fmt.Sprintf("Confirm the transfer of %v %v to <@%v> in your wallet", amount, chain.Symbol, to))
}

func (d *Dispatcher) deposits(_ context.Context, inv *Invocation) *Reply {
	if err := d.Relay.RequestTransactions(inv.GuildID, inv.UserID, relay.KindDeposit); err != nil {
		return d.relayError(err)
	}
	return textReply("Your deposits are on the way to your direct messages")
}

func (d *Dispatcher) collects(_ context.Context, inv *Invocation) *Reply {
	if err := d.Relay.RequestTransactions(inv.GuildID, inv.UserID, relay.KindCollect); err != nil {
		return d.relayError(err)
	}
	return textReply("Your collects are on the way to your direct messages")
}

func (d *Dispatcher) undo(_ context.Context, guildID, txID string, inv *Invocation) *Reply {
	if _, err := d.Relay.Undo(guildID, inv.UserID, txID, inv.ChannelID); err != nil {
		return d.relayError(err)
	}
	return textReply("Undo request sent to your wallet")
}

func (d *Dispatcher) help(_ context.Context, inv *Invocation) *Reply {
	var fields []Field
	for _, c := range d.commands {
		if c.AdminOnly && !inv.CanManageRoles {
			continue
		}
		fields = append(fields, Field{Name: "/" + c.Name, Value: c.Description})
	}
	return embedReply(Embed{Title: "Vault Bot", Fields: fields})
}

// Welcome is the pinned message offering connect and help buttons.
func (d *Dispatcher) Welcome() *Reply {
	return &Reply{
		Embeds: []Embed{{
			Title:       "Vault",
			Description: "This is a read-only connection. Do not share your private keys. We will never ask for your seed phrase.",
			Color:       ColorPrimary,
		}},
		Rows: [][]Button{{
			{Label: "Connect", Style: ButtonPrimary, CustomID: ButtonConnect},
			{Label: "Help", Style: ButtonSecondary, CustomID: ButtonHelp},
		}},
	}
}
