package cache

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// Connect opens a redis client and pings it.
func Connect(ctx context.Context, cred *config.DBCredential) (*redis.Client, error) {
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	cli := redis.NewClient(&redis.Options{
		Addr:     cred.GetRedisAddress(),
		Password: cred.Password,
		DB:       int(db),
	})
	if _, err := cli.Ping(ctx).Result(); err != nil {
		_ = cli.Close()
		return nil, errors.Wrap(err, "ping to redis")
	}
	log.Infof("Connected to redis %v...", cred.GetRedisAddress())
	return cli, nil
}
