package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skillgate/skillgate/internal/admission"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/database"
	"github.com/skillgate/skillgate/internal/denial"
	"github.com/skillgate/skillgate/internal/entitlement"
	"github.com/skillgate/skillgate/internal/licensing"
)

// app holds the engine and the resources behind its counter store.
type app struct {
	engine *entitlement.Engine
	db     *database.DB
	redis  *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	store, err := a.openStore(ctx, cfg.Quota)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = entitlement.New(engineOptions(cfg, store))
	return a, nil
}

func (a *app) openStore(ctx context.Context, q config.QuotaConfig) (admission.CounterStore, error) {
	switch q.Store {
	case config.StoreSQLite:
		db, err := openDatabase(q.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.db = db
		return admission.NewSQLiteStore(db), nil
	case config.StoreRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     q.RedisAddr,
			Password: q.RedisPassword,
			DB:       q.RedisDB,
		})
		store := admission.NewRedisStore(a.redis, q.Window())
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis counter store at %s: %w", q.RedisAddr, err)
		}
		return store, nil
	default:
		return admission.NewMemoryStore(), nil
	}
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func openDatabase(path string) (*database.DB, error) {
	db, err := database.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func keySource(l config.LicenseConfig) licensing.KeySource {
	return licensing.KeySource{Value: l.PublicKey, EnvVar: l.PublicKeyEnv}
}

func validatorConfig(l config.LicenseConfig) licensing.ValidatorConfig {
	return licensing.ValidatorConfig{
		Issuer:         l.Issuer,
		Audience:       l.Audience,
		ClockTolerance: l.Tolerance(),
	}
}

func engineOptions(cfg *config.Config, store admission.CounterStore) entitlement.Options {
	return entitlement.Options{
		Token:     cfg.License.Token,
		TokenEnv:  cfg.License.TokenEnv,
		Keys:      licensing.NewKeyStore(keySource(cfg.License), cfg.License.KeyTTL()),
		Validator: validatorConfig(cfg.License),
		CacheTTL:  cfg.License.CacheTTL(),
		Admission: admission.Config{
			Window:        admission.Window{Length: cfg.Quota.Window()},
			Store:         store,
			QueueDepth:    cfg.Quota.QueueDepth,
			QueueTimeout:  cfg.Quota.QueueTimeout(),
			Burst:         cfg.Quota.Burst,
			RatePerSecond: cfg.Quota.RatePerSecond,
		},
		UpgradeBaseURL: cfg.Upgrade.BaseURL,
		Recovery: denial.Policy{
			MaxRetries: cfg.Recovery.MaxRetries,
			Delay:      cfg.Recovery.RetryDelay(),
		},
	}
}

// pruneUsage drops SQLite counters older than the previous window, once at
// start and then daily.
func pruneUsage(ctx context.Context, db *database.DB, window time.Duration) {
	run := func() {
		w := admission.Window{Length: window}
		cutoff := w.Start(time.Now()).Add(-window)
		n, err := db.PruneUsage(ctx, cutoff.Unix())
		if err != nil {
			log.Error().Err(err).Msg("Usage counter cleanup failed")
			return
		}
		log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Usage counter cleanup")
	}

	run()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
