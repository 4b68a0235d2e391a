package database

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"moff.io/moff-vault/internal/guild/storetest"
)

func TestGuildStore(t *testing.T) {
	cli, err := Open(sqlite.Open("file:guildstore?mode=memory&cache=shared"))
	require.NoError(t, err)
	defer Close(cli)

	storetest.Run(t, NewGuildStore(cli))
}
