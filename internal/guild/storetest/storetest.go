// Package storetest checks a guild.Store implementation against the shared contract.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"moff.io/moff-vault/internal/guild"
	"moff.io/moff-vault/pkg/errors"
)

// Run exercises store. It must start empty for guilds "A" and "B".
func Run(t *testing.T, store guild.Store) {
	ctx := context.Background()

	t.Run("binding roundtrip", func(t *testing.T) {
		b := guild.UserBinding{UserID: "u1", WalletAddress: "0xABC", VaultAddress: "0xDEF"}
		require.NoError(t, store.SetBinding(ctx, "A", b))
		got, err := store.GetBinding(ctx, "A", "u1")
		require.NoError(t, err)
		assert.Equal(t, b, *got)

		b.VaultAddress = ""
		require.NoError(t, store.SetBinding(ctx, "A", b))
		got, err = store.GetBinding(ctx, "A", "u1")
		require.NoError(t, err)
		assert.Equal(t, "", got.VaultAddress)
	})

	t.Run("guild isolation", func(t *testing.T) {
		_, err := store.GetBinding(ctx, "B", "u1")
		assert.True(t, errors.Is(err, guild.ErrNotFound))
		list, err := store.Bindings(ctx, "B")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("bindings are ordered", func(t *testing.T) {
		require.NoError(t, store.SetBinding(ctx, "A", guild.UserBinding{UserID: "u3", WalletAddress: "0x3"}))
		require.NoError(t, store.SetBinding(ctx, "A", guild.UserBinding{UserID: "u2", WalletAddress: "0x2"}))
		list, err := store.Bindings(ctx, "A")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"u1", "u2", "u3"}, []string{list[0].UserID, list[1].UserID, list[2].UserID})

		require.NoError(t, store.DeleteBinding(ctx, "A", "u2"))
		require.NoError(t, store.DeleteBinding(ctx, "A", "missing"))
		list, err = store.Bindings(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("rules", func(t *testing.T) {
		gold := guild.RoleRule{Name: "Gold", RoleID: "r2", ThresholdAmount: "100", Color: 0xFFD700, Emoji: "🥇"}
		bronze := guild.RoleRule{Name: "Bronze", RoleID: "r1", ThresholdAmount: "10"}
		require.NoError(t, store.SetRule(ctx, "A", gold))
		require.NoError(t, store.SetRule(ctx, "A", bronze))

		got, err := store.GetRule(ctx, "A", "Gold")
		require.NoError(t, err)
		assert.Equal(t, gold, *got)

		rules, err := store.Rules(ctx, "A")
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "Bronze", rules[0].Name)

		_, err = store.GetRule(ctx, "B", "Gold")
		assert.True(t, errors.Is(err, guild.ErrNotFound))

		require.NoError(t, store.DeleteRule(ctx, "A", "Bronze"))
		_, err = store.GetRule(ctx, "A", "Bronze")
		assert.True(t, errors.Is(err, guild.ErrNotFound))
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, store.SetBinding(ctx, "B", guild.UserBinding{UserID: "u9", WalletAddress: "0x9"}))
		require.NoError(t, store.Clear(ctx, "A"))
		bindings, err := store.Bindings(ctx, "A")
		require.NoError(t, err)
		assert.Empty(t, bindings)
		rules, err := store.Rules(ctx, "A")
		require.NoError(t, err)
		assert.Empty(t, rules)

		_, err = store.GetBinding(ctx, "B", "u9")
		assert.NoError(t, err)
	})
}
