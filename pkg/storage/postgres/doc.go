// Package postgres opens the PostgreSQL pool, applies the billing schema and
// provides the Redis-backed lock used to serialize reconciliation per
// organization.
//
//	db, err := postgres.Open(ctx, postgres.DefaultConnectionConfig(url))
//	if err := postgres.Migrate(ctx, db); err != nil { ... }
//
//	client, err := postgres.NewRedisClient(postgres.RedisConfig{URL: redisURL})
//	locker := postgres.NewRedisLocker(client, 30*time.Second, 10*time.Second)
package postgres
