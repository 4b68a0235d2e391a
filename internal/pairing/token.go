package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"time"

	"moff.io/moff-vault/pkg/errors"
)

// Token is a one-time secret that lets one browser connection pair with one chat user.
type Token struct {
	Value       string
	OwnerUserID string
	GuildID     string
	ChannelID   string
	IssuedAt    time.Time
	TTL         time.Duration
}

func (t *Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

// Expired reports whether the token is past its TTL at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// Link returns <baseURL>?token=<value>&userId=<owner>.
func (t *Token) Link(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + "?token=" + url.QueryEscape(t.Value) + "&userId=" + url.QueryEscape(t.OwnerUserID)
	}
	q := u.Query()
	q.Set("token", t.Value)
	q.Set("userId", t.OwnerUserID)
	u.RawQuery = q.Encode()
	return u.String()
}

func newTokenValue(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random token")
	}
	return hex.EncodeToString(buf), nil
}
