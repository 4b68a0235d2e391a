package pairing

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
	"moff.io/moff-vault/internal/guild"
)

type State int32

const (
	StateIssued State = iota
	StateAwaitingTransport
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateAwaitingTransport:
		return "awaiting_transport"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session tracks one pairing attempt from token issue to transport close.
// State and addresses are atomics so the guild table can read them without locks.
type Session struct {
	token     *Token
	transport guild.Transport

	state   atomic.Int32
	address atomic.String
	vault   atomic.String
	// seq orders address announcements so a stale bind can detect it was superseded.
	seq atomic.Uint64

	matchedAt time.Time
}

func (s *Session) GuildID() string {
	return s.token.GuildID
}

func (s *Session) UserID() string {
	return s.token.OwnerUserID
}

func (s *Session) ChannelID() string {
	return s.token.ChannelID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Bound() bool {
	return s.State() == StateBound
}

func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

func (s *Session) Address() string {
	return s.address.Load()
}

func (s *Session) VaultAddress() string {
	return s.vault.Load()
}

func (s *Session) Transport() guild.Transport {
	return s.transport
}

func (s *Session) transition(from, to State) bool {
	return s.state.CAS(int32(from), int32(to))
}

func (s *Session) close() bool {
	return State(s.state.Swap(int32(StateClosed))) != StateClosed
}
