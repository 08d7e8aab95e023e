package ledgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/ledger"
)

// LocalSink writes rows as JSON lines to w, one object per row, for
// inspecting connector output without a warehouse. Duplicate IDs across
// calls are skipped the same way the warehouse sink skips them.
type LocalSink struct {
	logger log.FieldLogger
	w      io.Writer
	seen   map[string]struct{}
}

func NewLocalSink(logger log.FieldLogger, w io.Writer) *LocalSink {
	return &LocalSink{
		logger: logger.WithField("component", "localSink"),
		w:      w,
		seen:   make(map[string]struct{}),
	}
}

func (s *LocalSink) Upsert(_ context.Context, rows []ledger.Row) (int, error) {
	enc := json.NewEncoder(s.w)
	written := 0
	for _, row := range rows {
		if _, ok := s.seen[row.ID]; ok {
			continue
		}
		if err := enc.Encode(row); err != nil {
			return written, fmt.Errorf("error writing ledger row %s: %v", row.ID, err)
		}
		s.seen[row.ID] = struct{}{}
		written++
	}
	s.logger.Infof("wrote %d rows (%d duplicates skipped)", written, len(rows)-written)
	return written, nil
}

var _ Sink = (*LocalSink)(nil)
