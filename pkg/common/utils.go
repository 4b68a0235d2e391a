package common

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// NewCutUUIDString returns a uuid string without dashes.
func NewCutUUIDString() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsSnowflake reports whether id parses as a positive discord snowflake.
func IsSnowflake(id string) bool {
	if id == "" {
		return false
	}
	sid, err := snowflake.ParseString(id)
	return err == nil && sid.Int64() > 0
}

// ShortAddress renders 0x1234...abcd.
func ShortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
