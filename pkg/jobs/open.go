package jobs

import (
	"context"
	"fmt"

	"anatomesh/pkg/config"
)

// Open selects a Store implementation from the jobs configuration.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	jc := cfg.Jobs
	switch jc.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		return NewSQLite(ctx, jc.DSN)
	case "postgres":
		return NewPostgres(ctx, jc.DSN)
	case "redis":
		return NewRedis(ctx, jc.RedisAddr, jc.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown jobs driver %s", jc.Driver)
	}
}
