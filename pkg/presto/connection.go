package presto

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/prestodb/presto-go-client/presto"
	log "github.com/sirupsen/logrus"
)

// NewPrestoConnWithRetry opens a Presto connection, retrying with
// exponential backoff until maxRetries attempts have been made or ctx is
// cancelled.
func NewPrestoConnWithRetry(ctx context.Context, logger log.FieldLogger, connStr string, connBackoff time.Duration, maxRetries int) (*sql.DB, error) {
	var lastErr error
	backoff := connBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		db, err := sql.Open("presto", connStr)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				return db, nil
			}
			db.Close()
		}
		lastErr = err
		logger.WithError(err).Debugf("error connecting to presto, backing off %s and trying again", backoff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * 1.25)
	}
	return nil, fmt.Errorf("unable to connect to presto after %d attempts: %v", maxRetries, lastErr)
}
