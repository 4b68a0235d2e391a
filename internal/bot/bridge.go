package bot

import (
	"context"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"moff.io/moff-vault/internal/bridge"
	"moff.io/moff-vault/internal/pairing"
	"moff.io/moff-vault/internal/relay"
	"moff.io/moff-vault/pkg/common"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

const (
	// EventAccount carries the wallet address selected in the browser.
	EventAccount = "account"
	// EventAlreadyConnected tells a page its pairing was refused before it is closed.
	EventAlreadyConnected = "alreadyConnected"
)

const alreadyConnected = "Already connected, use /disconnect first"

type rejection struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

const bridgeCallTimeout = 20 * time.Second

var _ bridge.Handler = (*Dispatcher)(nil)

// OnOpen pairs a new browser connection through the token in its query.
func (d *Dispatcher) OnOpen(conn *bridge.Conn, query url.Values) {
	token := query.Get("token")
	if token == "" {
		return
	}
	s, ok := d.Pairing.AttemptMatch(conn, token)
	if !ok {
		return
	}
	if userID := query.Get("userId"); userID != "" && userID != s.UserID() {
		log.Warnf("connection %v presented the token of %v as user %v", conn.ID(), s.UserID(), userID)
	}
}

// OnEvent runs on the connection's read goroutine, so events of one
// connection are handled in the order they were sent.
func (d *Dispatcher) OnEvent(conn *bridge.Conn, event string, data gjson.Result) {
	ctx, cancel := context.WithTimeout(d.ctx, bridgeCallTimeout)
	defer cancel()

	switch event {
	case EventAccount:
		d.onAccount(ctx, conn, data)
	case relay.EventSendSuccess:
		d.Relay.OnOutcome(ctx, conn.ID(), relay.Outcome{
			RequestID: data.Get("requestId").String(),
			TrxHash:   data.Get("trxHash").String(),
			ChannelID: data.Get("channelId").String(),
		})
	case relay.EventSendFailed:
		reason := data.Get("error").String()
		if reason == "" {
			reason = "unknown error"
		}
		d.Relay.OnOutcome(ctx, conn.ID(), relay.Outcome{
			RequestID: data.Get("requestId").String(),
			Error:     reason,
			ChannelID: data.Get("channelId").String(),
		})
	case relay.EventDeposits:
		d.onTransactions(ctx, conn, relay.KindDeposit, data.Get("userId").String(), transactions(data.Get("deposits"), "to"))
	case relay.EventCollects:
		d.onTransactions(ctx, conn, relay.KindCollect, data.Get("userId").String(), transactions(data.Get("collects"), "from"))
	default:
		log.Debugf("connection %v sent unknown event %q", conn.ID(), event)
	}
}

// OnClose ends the pairing session of the connection and fails what it still owed.
func (d *Dispatcher) OnClose(conn *bridge.Conn) {
	d.Pairing.Disconnect(conn.ID())
	ctx, cancel := context.WithTimeout(d.ctx, bridgeCallTimeout)
	defer cancel()
	d.Relay.OnDisconnect(ctx, conn.ID())
}

func (d *Dispatcher) onAccount(ctx context.Context, conn *bridge.Conn, data gjson.Result) {
	var address, userID string
	if data.Type == gjson.String {
		address = data.String()
	} else {
		address = data.Get("account").String()
		userID = data.Get("userId").String()
	}
	if userID != "" && !common.IsSnowflake(userID) {
		log.Debugf("connection %v announced malformed user id %q", conn.ID(), userID)
		return
	}
	err := d.Pairing.Announce(ctx, conn.ID(), address, userID)
	if err == nil {
		return
	}
	if errors.Is(err, pairing.ErrAlreadyConnected) {
		if s, ok := d.Pairing.Disconnect(conn.ID()); ok {
			if serr := d.Messenger.SendChannel(ctx, s.ChannelID(), textReply(alreadyConnected)); serr != nil {
				log.Warnf("report duplicate pairing of %v: %v", s.UserID(), serr)
			}
			conn.Kick(EventAlreadyConnected, rejection{UserID: s.UserID(), Error: alreadyConnected})
			return
		}
		conn.Close()
		return
	}
	log.Warnf("bind address from connection %v: %v", conn.ID(), err)
}

func (d *Dispatcher) onTransactions(ctx context.Context, conn *bridge.Conn, kind relay.Kind, userID string, items []relay.Transaction) {
	if err := d.Relay.OnTransactions(ctx, conn.ID(), kind, userID, items); err != nil {
		log.Warnf("forward %v list from %v: %v", kind, conn.ID(), err)
	}
}

func transactions(list gjson.Result, counterparty string) []relay.Transaction {
	var items []relay.Transaction
	list.ForEach(func(_, v gjson.Result) bool {
		if id := v.Get("id").String(); id != "" {
			items = append(items, relay.Transaction{ID: id, Counterparty: v.Get(counterparty).String()})
		}
		return true
	})
	return items
}
