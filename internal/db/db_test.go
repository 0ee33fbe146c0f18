package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/character-chat/internal/chat"
)

func TestOpen_SQLiteMigrates(t *testing.T) {
	gdb, err := Open("sqlite", "file:db_open_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))

	for _, m := range chat.Models() {
		assert.True(t, gdb.Migrator().HasTable(m), "missing table for %T", m)
	}
	assert.True(t, gdb.Migrator().HasIndex(&chat.Conversation{}, "uniq_conv_user_character"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	assert.ErrorContains(t, err, "unsupported DB_DRIVER")
}
