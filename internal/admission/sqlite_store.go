package admission

import (
	"context"
	"time"

	"github.com/skillgate/skillgate/internal/database"
)

// SQLiteStore keeps counters in the quota_counters table so usage survives
// restarts of a single-node deployment.
type SQLiteStore struct {
	db *database.DB
}

func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Add(ctx context.Context, customer string, window time.Time, cost, limit int64) (int64, bool, error) {
	return s.db.AddUsage(ctx, customer, window.Unix(), cost, limit)
}

func (s *SQLiteStore) Usage(ctx context.Context, customer string, window time.Time) (int64, error) {
	return s.db.Usage(ctx, customer, window.Unix())
}
