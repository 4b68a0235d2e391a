package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/pkg/errors"
)

func usersKey(guildID string) string {
	return fmt.Sprintf("guild:%v:users", guildID)
}

func rolesKey(guildID string) string {
	return fmt.Sprintf("guild:%v:roles", guildID)
}

// GuildStore keeps each guild in two redis hashes, users and roles,
// with JSON values keyed by user id and rule name.
type GuildStore struct {
	cli redis.Cmdable
}

func NewGuildStore(cli redis.Cmdable) *GuildStore {
	return &GuildStore{cli: cli}
}

func (s *GuildStore) get(ctx context.Context, key, field string, v interface{}) error {
	raw, err := s.cli.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return errors.Wrapf(guild.ErrNotFound, "%v %v", key, field)
	}
	if err != nil {
		return errors.WrapAndReport(err, "hget")
	}
	return errors.Wrapf(json.Unmarshal(raw, v), "decode %v %v", key, field)
}

func (s *GuildStore) set(ctx context.Context, key, field string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WrapAndReport(s.cli.HSet(ctx, key, field, raw).Err(), "hset")
}

func (s *GuildStore) all(ctx context.Context, key string) ([]string, map[string]string, error) {
	entries, err := s.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, nil, errors.WrapAndReport(err, "hgetall")
	}
	fields := make([]string, 0, len(entries))
	for field := range entries {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields, entries, nil
}

func (s *GuildStore) GetBinding(ctx context.Context, guildID, userID string) (*guild.UserBinding, error) {
	var b guild.UserBinding
	if err := s.get(ctx, usersKey(guildID), userID, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *GuildStore) SetBinding(ctx context.Context, guildID string, b guild.UserBinding) error {
	return s.set(ctx, usersKey(guildID), b.UserID, b)
}

func (s *GuildStore) DeleteBinding(ctx context.Context, guildID, userID string) error {
	return errors.WrapAndReport(s.cli.HDel(ctx, usersKey(guildID), userID).Err(), "delete binding")
}

func (s *GuildStore) Bindings(ctx context.Context, guildID string) ([]guild.UserBinding, error) {
	fields, entries, err := s.all(ctx, usersKey(guildID))
	if err != nil {
		return nil, err
	}
	list := make([]guild.UserBinding, 0, len(fields))
	for _, field := range fields {
		var b guild.UserBinding
		if err := json.Unmarshal([]byte(entries[field]), &b); err != nil {
			return nil, errors.Wrapf(err, "decode binding %v", field)
		}
		list = append(list, b)
	}
	return list, nil
}

func (s *GuildStore) GetRule(ctx context.Context, guildID, name string) (*guild.RoleRule, error) {
	var r guild.RoleRule
	if err := s.get(ctx, rolesKey(guildID), name, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *GuildStore) SetRule(ctx context.Context, guildID string, r guild.RoleRule) error {
	return s.set(ctx, rolesKey(guildID), r.Name, r)
}

func (s *GuildStore) DeleteRule(ctx context.Context, guildID, name string) error {
	return errors.WrapAndReport(s.cli.HDel(ctx, rolesKey(guildID), name).Err(), "delete rule")
}

func (s *GuildStore) Rules(ctx context.Context, guildID string) ([]guild.RoleRule, error) {
	fields, entries, err := s.all(ctx, rolesKey(guildID))
	if err != nil {
		return nil, err
	}
	list := make([]guild.RoleRule, 0, len(fields))
	for _, field := range fields {
		var r guild.RoleRule
		if err := json.Unmarshal([]byte(entries[field]), &r); err != nil {
			return nil, errors.Wrapf(err, "decode rule %v", field)
		}
		list = append(list, r)
	}
	return list, nil
}

func (s *GuildStore) Clear(ctx context.Context, guildID string) error {
	err := s.cli.Del(ctx, usersKey(guildID), rolesKey(guildID)).Err()
	return errors.WrapAndReport(err, "clear guild")
}
