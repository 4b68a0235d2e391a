package guild

import (
	"context"
	"sort"
	"sync"

	"moff.io/moff-vault/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// UserBinding links a chat user to a wallet and, when one exists, its vault.
type UserBinding struct {
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
	VaultAddress  string `json:"vaultAddress,omitempty"`
}

// RoleRule grants the platform role RoleID to users holding at least ThresholdAmount tokens.
type RoleRule struct {
	Name            string `json:"name"`
	RoleID          string `json:"roleId"`
	ThresholdAmount string `json:"amount"`
	Color           int    `json:"color,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
}

// Store persists bindings and rules. Every call is scoped to one guild.
// Bindings and Rules return entries ordered by key.
type Store interface {
	GetBinding(ctx context.Context, guildID, userID string) (*UserBinding, error)
	SetBinding(ctx context.Context, guildID string, b UserBinding) error
	DeleteBinding(ctx context.Context, guildID, userID string) error
	Bindings(ctx context.Context, guildID string) ([]UserBinding, error)

	GetRule(ctx context.Context, guildID, name string) (*RoleRule, error)
	SetRule(ctx context.Context, guildID string, r RoleRule) error
	DeleteRule(ctx context.Context, guildID, name string) error
	Rules(ctx context.Context, guildID string) ([]RoleRule, error)

	// Clear drops both namespaces of the guild.
	Clear(ctx context.Context, guildID string) error
}

type memoryNamespace struct {
	bindings map[string]UserBinding
	rules    map[string]RoleRule
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	guilds map[string]*memoryNamespace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{guilds: make(map[string]*memoryNamespace)}
}

func (s *MemoryStore) namespace(guildID string, create bool) *memoryNamespace {
	ns := s.guilds[guildID]
	if ns == nil && create {
		ns = &memoryNamespace{
			bindings: make(map[string]UserBinding),
			rules:    make(map[string]RoleRule),
		}
		s.guilds[guildID] = ns
	}
	return ns
}

func (s *MemoryStore) GetBinding(_ context.Context, guildID, userID string) (*UserBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ns := s.namespace(guildID, false); ns != nil {
		if b, ok := ns.bindings[userID]; ok {
			return &b, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "binding %v/%v", guildID, userID)
}

func (s *MemoryStore) SetBinding(_ context.Context, guildID string, b UserBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespace(guildID, true).bindings[b.UserID] = b
	return nil
}

func (s *MemoryStore) DeleteBinding(_ context.Context, guildID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns := s.namespace(guildID, false); ns != nil {
		delete(ns.bindings, userID)
	}
	return nil
}

func (s *MemoryStore) Bindings(_ context.Context, guildID string) ([]UserBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.namespace(guildID, false)
	if ns == nil {
		return nil, nil
	}
	list := make([]UserBinding, 0, len(ns.bindings))
	for _, b := range ns.bindings {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list, nil
}

func (s *MemoryStore) GetRule(_ context.Context, guildID, name string) (*RoleRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ns := s.namespace(guildID, false); ns != nil {
		if r, ok := ns.rules[name]; ok {
			return &r, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "rule %v/%v", guildID, name)
}

func (s *MemoryStore) SetRule(_ context.Context, guildID string, r RoleRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespace(guildID, true).rules[r.Name] = r
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, guildID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns := s.namespace(guildID, false); ns != nil {
		delete(ns.rules, name)
	}
	return nil
}

func (s *MemoryStore) Rules(_ context.Context, guildID string) ([]RoleRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.namespace(guildID, false)
	if ns == nil {
		return nil, nil
	}
	list := make([]RoleRule, 0, len(ns.rules))
	for _, r := range ns.rules {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (s *MemoryStore) Clear(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.guilds, guildID)
	return nil
}
