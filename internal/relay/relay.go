package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/internal/pairing"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// Events exchanged with the browser page.
const (
	EventSend            = "send"
	EventSendKiro        = "sendKiro"
	EventGetTransactions = "getTransactions"
	EventRetrieve        = "retrieve"
	EventCollect         = "collect"

	EventSendSuccess = "transactionSendSuccess"
	EventSendFailed  = "transactionSendFailed"
	EventDeposits    = "deposits"
	EventCollects    = "collects"
)

const (
	ReasonDisconnected = "disconnected"
	ReasonTimedOut     = "timed out"
)

// TransactionsPerMessage bounds how many deposits or collects share one notification.
const TransactionsPerMessage = 5

var ErrNotConnected = errors.New("not connected")

type Kind string

const (
	KindDeposit Kind = "DEPOSIT"
	KindCollect Kind = "COLLECT"
)

// SendRequest asks the browser wallet to sign a token transfer.
type SendRequest struct {
	RequestID  string `json:"requestId"`
	AddressTo  string `json:"addressTo"`
	Amount     string `json:"amount"`
	ChainID    int64  `json:"chainId"`
	Currency   string `json:"currency"`
	WalletType string `json:"walletType"`
	Passcode   string `json:"passcode,omitempty"`
	ChannelID  string `json:"channelId"`
	URL        string `json:"url,omitempty"`
}

// Target is where an outcome is reported.
type Target struct {
	RequestID string
	GuildID   string
	UserID    string
	ChannelID string
	URL       string
	Action    string
}

// Outcome is the browser's verdict on a request. ChannelID only narrows the
// match of outcomes that carry no request id.
type Outcome struct {
	RequestID string
	TrxHash   string
	Error     string
	ChannelID string
}

func (o Outcome) Succeeded() bool {
	return o.Error == ""
}

// Transaction is one pending deposit or collect listed by the browser.
type Transaction struct {
	ID           string
	Counterparty string
}

// Notifier delivers relay results into the chat.
type Notifier interface {
	NotifyOutcome(ctx context.Context, target Target, outcome Outcome) error
	NotifyTransactions(ctx context.Context, guildID, userID string, kind Kind, items []Transaction) error
}

// SessionLookup resolves a bridge connection to its pairing session.
type SessionLookup interface {
	SessionByConn(connID string) (*pairing.Session, bool)
}

type pendingRequest struct {
	target    Target
	connID    string
	createdAt time.Time
}

// Relay pipes transaction requests to the paired browser and outcomes back to chat.
type Relay struct {
	guilds   *guild.Registry
	sessions SessionLookup
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func NewRelay(guilds *guild.Registry, sessions SessionLookup, notifier Notifier) *Relay {
	return &Relay{
		guilds:   guilds,
		sessions: sessions,
		notifier: notifier,
		now:      time.Now,
		pending:  make(map[string]*pendingRequest),
	}
}

func (r *Relay) Apply(c *config.Configuration) {
	r.ttl = c.Relay.RequestTTL
}

// Start sweeps requests older than the configured TTL. Without a TTL requests
// only end by outcome or disconnect.
func (r *Relay) Start(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

func (r *Relay) transport(guildID, userID string) (guild.Transport, error) {
	gc, err := r.guilds.Get(guildID)
	if err != nil {
		return nil, err
	}
	s, ok := gc.BoundSession(userID)
	if !ok || s.Transport() == nil {
		return nil, ErrNotConnected
	}
	return s.Transport(), nil
}

func (r *Relay) emitTracked(guildID, userID, channelID, url, action string, build func(requestID string) (string, interface{})) (string, error) {
	tr, err := r.transport(guildID, userID)
	if err != nil {
		return "", err
	}
	requestID := uuid.NewString()
	r.mu.Lock()
	r.pending[requestID] = &pendingRequest{
		target: Target{
			RequestID: requestID,
			GuildID:   guildID,
			UserID:    userID,
			ChannelID: channelID,
			URL:       url,
			Action:    action,
		},
		connID:    tr.ID(),
		createdAt: r.now(),
	}
	r.mu.Unlock()

	event, payload := build(requestID)
	if err := tr.Emit(event, payload); err != nil {
		r.take(requestID)
		return "", errors.Wrapf(err, "emit %v", event)
	}
	log.Infof("%v request %v sent to connection %v for user %v", event, requestID, tr.ID(), userID)
	return requestID, nil
}

// RequestSend forwards a transfer to the user's wallet and returns at once.
// Fails with ErrNotConnected when the user has no bound session.
func (r *Relay) RequestSend(guildID, userID string, req SendRequest) (string, error) {
	event := EventSend
	if req.Passcode != "" {
		event = EventSendKiro
	}
	return r.emitTracked(guildID, userID, req.ChannelID, req.URL, event, func(requestID string) (string, interface{}) {
		req.RequestID = requestID
		return event, req
	})
}

type getTransactionsPayload struct {
	Type   Kind   `json:"type"`
	UserID string `json:"userId"`
}

// RequestTransactions asks the browser for the user's open deposits or collects.
func (r *Relay) RequestTransactions(guildID, userID string, kind Kind) error {
	tr, err := r.transport(guildID, userID)
	if err != nil {
		return err
	}
	return tr.Emit(EventGetTransactions, getTransactionsPayload{Type: kind, UserID: userID})
}

type retrievePayload struct {
	RequestID string `json:"requestId"`
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
}

// Undo takes back a deposit the user sent.
func (r *Relay) Undo(guildID, userID, txID, channelID string) (string, error) {
	return r.emitTracked(guildID, userID, channelID, "", EventRetrieve, func(requestID string) (string, interface{}) {
		return EventRetrieve, retrievePayload{RequestID: requestID, ID: txID, ChannelID: channelID}
	})
}

type collectPayload struct {
	RequestID string `json:"requestId"`
	ID        string `json:"id"`
	Passcode  string `json:"passcode"`
	ChannelID string `json:"channelId"`
}

// Collect claims a deposit addressed to the user.
func (r *Relay) Collect(guildID, userID, txID, passcode, channelID string) (string, error) {
	return r.emitTracked(guildID, userID, channelID, "", EventCollect, func(requestID string) (string, interface{}) {
		return EventCollect, collectPayload{RequestID: requestID, ID: txID, Passcode: passcode, ChannelID: channelID}
	})
}

func (r *Relay) take(requestID string) (*pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[requestID]
	delete(r.pending, requestID)
	return p, ok
}

// takeOldest removes the oldest request of connID, optionally bound to channelID.
func (r *Relay) takeOldest(connID, channelID string) (*pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *pendingRequest
	for _, p := range r.pending {
		if p.connID != connID || (channelID != "" && p.target.ChannelID != channelID) {
			continue
		}
		if oldest == nil || p.createdAt.Before(oldest.createdAt) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, false
	}
	delete(r.pending, oldest.target.RequestID)
	return oldest, true
}

// OnOutcome reports an outcome sent over connID into the chat context of the
// request it answers. Each request is reported at most once; outcomes without
// a matching request are dropped. The channel and link always come from the
// recorded request, never from the browser.
func (r *Relay) OnOutcome(ctx context.Context, connID string, o Outcome) bool {
	var (
		p  *pendingRequest
		ok bool
	)
	if o.RequestID != "" {
		p, ok = r.take(o.RequestID)
		if ok && p.connID != connID {
			// not this connection's request, put it back
			r.mu.Lock()
			r.pending[o.RequestID] = p
			r.mu.Unlock()
			ok = false
		}
	} else {
		p, ok = r.takeOldest(connID, o.ChannelID)
	}
	if !ok {
		log.Debugf("outcome from %v matches no pending request, dropped", connID)
		return false
	}
	o.RequestID = p.target.RequestID
	o.ChannelID = p.target.ChannelID
	r.deliver(ctx, p.target, o)
	return true
}

func (r *Relay) deliver(ctx context.Context, target Target, o Outcome) {
	if err := r.notifier.NotifyOutcome(ctx, target, o); err != nil {
		log.Warnf("deliver outcome of %v to channel %v: %v", target.RequestID, target.ChannelID, err)
	}
}

// OnTransactions forwards the deposits or collects listed by the browser to
// the paired user, a few per notification.
func (r *Relay) OnTransactions(ctx context.Context, connID string, kind Kind, announcedUserID string, items []Transaction) error {
	s, ok := r.sessions.SessionByConn(connID)
	if !ok || !s.Bound() {
		return nil
	}
	if announcedUserID != "" && announcedUserID != s.UserID() {
		log.Warnf("connection %v listed transactions of user %v, paired with %v", connID, announcedUserID, s.UserID())
		return nil
	}
	for _, chunk := range Chunk(items, TransactionsPerMessage) {
		if err := r.notifier.NotifyTransactions(ctx, s.GuildID(), s.UserID(), kind, chunk); err != nil {
			return errors.Wrapf(err, "notify %d transactions", len(chunk))
		}
	}
	return nil
}

// OnDisconnect fails every request still waiting on connID.
func (r *Relay) OnDisconnect(ctx context.Context, connID string) int {
	r.mu.Lock()
	var failed []*pendingRequest
	for id, p := range r.pending {
		if p.connID == connID {
			failed = append(failed, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	r.failAll(ctx, failed, ReasonDisconnected)
	return len(failed)
}

// Sweep fails requests older than the TTL.
func (r *Relay) Sweep(ctx context.Context) int {
	if r.ttl <= 0 {
		return 0
	}
	deadline := r.now().Add(-r.ttl)
	r.mu.Lock()
	var expired []*pendingRequest
	for id, p := range r.pending {
		if p.createdAt.Before(deadline) {
			expired = append(expired, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	r.failAll(ctx, expired, ReasonTimedOut)
	return len(expired)
}

func (r *Relay) failAll(ctx context.Context, list []*pendingRequest, reason string) {
	sort.Slice(list, func(i, j int) bool { return list[i].createdAt.Before(list[j].createdAt) })
	for _, p := range list {
		r.deliver(ctx, p.target, Outcome{
			RequestID: p.target.RequestID,
			Error:     reason,
			ChannelID: p.target.ChannelID,
		})
	}
}

// Pending returns the number of requests awaiting an outcome.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Chunk splits items into groups of at most n.
func Chunk(items []Transaction, n int) [][]Transaction {
	var chunks [][]Transaction
	for len(items) > n {
		chunks = append(chunks, items[:n])
		items = items[n:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
