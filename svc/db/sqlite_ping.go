package db

import (
	"context"

	"github.com/pkg/errors"
)

func (s *SQLite) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	if err := s.db.QueryRowContext(queryCtx, "SELECT 1").Scan(&result); err != nil {
		return errors.Wrap(err, "sqlite ping")
	}
	return nil
}
