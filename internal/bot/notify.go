package bot

import (
	"context"
	"fmt"
	"time"

	"moff.io/moff-vault/internal/databus"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/internal/pairing"
	"moff.io/moff-vault/internal/relay"
	"moff.io/moff-vault/pkg/common"
	"moff.io/moff-vault/pkg/log"
)

func (d *Dispatcher) publish(e databus.Event) {
	if err := d.Bus.Publish(e); err != nil {
		log.Warnf("publish %v event: %v", e.Topic(), err)
	}
}

// onBound confirms the binding in the channel the user connected from, then
// syncs the user's roles right away instead of waiting for the next block.
func (d *Dispatcher) onBound(ctx context.Context, s *pairing.Session, b guild.UserBinding) {
	fields := []Field{{Name: "Wallet", Value: common.ShortAddress(b.WalletAddress), Inline: true}}
	if b.VaultAddress != "" {
		fields = append(fields, Field{Name: "Vault", Value: common.ShortAddress(b.VaultAddress), Inline: true})
	}
	confirm := &Reply{Embeds: []Embed{{
		Title:       "Wallet connected",
		Description: fmt.Sprintf("<@%v> is now connected", b.UserID),
		Color:       ColorGreen,
		Fields:      fields,
	}}}
	if err := d.Messenger.SendChannel(ctx, s.ChannelID(), confirm); err != nil {
		log.Warnf("confirm binding of %v: %v", b.UserID, err)
	}

	res, err := d.Engine.Reconcile(ctx, s.GuildID(), b.UserID)
	if err != nil {
		log.Warnf("reconcile %v after binding: %v", b.UserID, err)
	} else if res.Changed() {
		log.Infof("user %v bound: granted %v, revoked %v", b.UserID, res.Granted, res.Revoked)
	}
	d.publish(databus.BindingEvent{
		Type:    databus.BindingBound,
		GuildID: s.GuildID(),
		UserID:  b.UserID,
		Wallet:  b.WalletAddress,
		Vault:   b.VaultAddress,
		At:      time.Now(),
	})
}

var _ relay.Notifier = (*Notifier)(nil)

// Notifier reports relay results into the chat.
type Notifier struct {
	messenger Messenger
}

func NewNotifier(m Messenger) *Notifier {
	return &Notifier{messenger: m}
}

func (n *Notifier) NotifyOutcome(ctx context.Context, target relay.Target, o relay.Outcome) error {
	var embed Embed
	if o.Succeeded() {
		embed = Embed{
			Title:  ":tada: Transaction sent successfully",
			URL:    target.URL,
			Color:  ColorPrimary,
			Fields: []Field{{Name: "Hash", Value: o.TrxHash}},
		}
	} else {
		embed = Embed{
			Title:  ":face_with_symbols_over_mouth: Transaction failed",
			URL:    target.URL,
			Color:  ColorRed,
			Fields: []Field{{Name: "Error", Value: o.Error}},
		}
	}
	reply := &Reply{Embeds: []Embed{embed}}
	if target.ChannelID == "" {
		return n.messenger.SendDirect(ctx, target.UserID, reply)
	}
	return n.messenger.SendChannel(ctx, target.ChannelID, reply)
}

func (n *Notifier) NotifyTransactions(ctx context.Context, guildID, userID string, kind relay.Kind, items []relay.Transaction) error {
	title, action, label := "Deposits", actionDeposit, "UNDO transfer to %v"
	if kind == relay.KindCollect {
		title, action, label = "Collects", actionCollect, "Collect transfer from %v"
	}
	row := make([]Button, 0, len(items))
	for _, tx := range items {
		row = append(row, Button{
			Label:    fmt.Sprintf(label, common.ShortAddress(tx.Counterparty)),
			Style:    ButtonPrimary,
			CustomID: transactionID(guildID, action, tx.ID),
		})
	}
	return n.messenger.SendDirect(ctx, userID, &Reply{
		Embeds: []Embed{{Title: title, Color: ColorPrimary}},
		Rows:   [][]Button{row},
	})
}
