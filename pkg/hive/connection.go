package hive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/taozle/go-hive-driver"
)

// NewHiveConnWithRetry opens a HiveServer2 connection for DDL statements,
// retrying with exponential backoff until maxRetries attempts have been made
// or ctx is cancelled.
func NewHiveConnWithRetry(ctx context.Context, logger log.FieldLogger, connStr string, connBackoff time.Duration, maxRetries int) (*sql.DB, error) {
	var lastErr error
	backoff := connBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		db, err := sql.Open("hive", connStr)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				return db, nil
			}
			db.Close()
		}
		lastErr = err
		logger.WithError(err).Debugf("error connecting to hive, backing off %s and trying again", backoff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * 1.25)
	}
	return nil, fmt.Errorf("unable to connect to hive after %d attempts: %v", maxRetries, lastErr)
}
