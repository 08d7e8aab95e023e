package ledgerstore

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/ledger"
)

const (
	// maxRowsPerChunk caps a single INSERT statement's row count.
	maxRowsPerChunk = 20000
	// maxChunkBytes caps a single INSERT statement's estimated serialized
	// size; the coordinator rejects larger statements.
	maxChunkBytes = 6 * 1024 * 1024
)

// Sink accepts normalized ledger rows. The warehouse Upserter is the
// production implementation; dry-run and local file variants exist for
// replays.
type Sink interface {
	Upsert(ctx context.Context, rows []ledger.Row) (int, error)
}

// Upserter writes rows into the warehouse, skipping any row whose
// content-hash ID is already stored. The ID set it tracks is scoped to a
// single Upsert call; across calls the warehouse itself is the source of
// truth, so a failed insert can be retried and nothing is lost. An Upserter
// holds no per-call state and is safe for concurrent use by several sources.
type Upserter struct {
	logger    log.FieldLogger
	warehouse Warehouse
	dryRun    bool
}

func NewUpserter(logger log.FieldLogger, warehouse Warehouse, dryRun bool) *Upserter {
	return &Upserter{
		logger:    logger.WithField("component", "ledgerUpserter"),
		warehouse: warehouse,
		dryRun:    dryRun,
	}
}

// Upsert stores every row not already present and returns how many rows were
// inserted. On error the count covers the chunks that committed before the
// failure; a retried call re-checks the warehouse, so rows from the failed
// chunk are written and committed rows are skipped.
func (u *Upserter) Upsert(ctx context.Context, rows []ledger.Row) (int, error) {
	inserted := 0
	seen := make(map[string]struct{})
	for _, chunk := range chunkRows(rows) {
		select {
		case <-ctx.Done():
			return inserted, ctx.Err()
		default:
		}

		n, err := u.upsertChunk(chunk, seen)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// upsertChunk writes one chunk, consulting seen for rows earlier chunks of
// this call already handled. IDs join seen only once the chunk commits, so a
// failed insert leaves them eligible for a retry.
func (u *Upserter) upsertChunk(chunk []ledger.Row, seen map[string]struct{}) (int, error) {
	candidates := make([]ledger.Row, 0, len(chunk))
	ids := make([]string, 0, len(chunk))
	inChunk := make(map[string]struct{}, len(chunk))
	for _, row := range chunk {
		if _, ok := seen[row.ID]; ok {
			continue
		}
		// a chunk can carry the same content twice when two sources
		// overlap; first occurrence wins
		if _, ok := inChunk[row.ID]; ok {
			continue
		}
		inChunk[row.ID] = struct{}{}
		candidates = append(candidates, row)
		ids = append(ids, row.ID)
	}
	if len(candidates) == 0 {
		u.logger.Debugf("chunk of %d rows already handled, nothing to insert", len(chunk))
		return 0, nil
	}

	start, end := usageDayBounds(candidates)
	existing, err := u.warehouse.ExistingIDs(ids, start, end)
	if err != nil {
		return 0, err
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		existingSet[id] = struct{}{}
	}

	newRows := make([]ledger.Row, 0, len(candidates))
	for _, row := range candidates {
		if _, ok := existingSet[row.ID]; !ok {
			newRows = append(newRows, row)
		}
	}
	skipped := len(chunk) - len(newRows)
	if len(newRows) == 0 {
		markSeen(seen, ids)
		u.logger.Debugf("all %d candidate rows already stored", len(candidates))
		return 0, nil
	}

	if u.dryRun {
		markSeen(seen, ids)
		u.logger.Infof("dry run: would insert %d new rows (%d duplicates skipped)", len(newRows), skipped)
		return len(newRows), nil
	}

	if err := u.warehouse.InsertRows(newRows); err != nil {
		return 0, err
	}
	markSeen(seen, ids)
	u.logger.Infof("inserted %d new rows (%d duplicates skipped)", len(newRows), skipped)
	return len(newRows), nil
}

func markSeen(seen map[string]struct{}, ids []string) {
	for _, id := range ids {
		seen[id] = struct{}{}
	}
}

// chunkRows splits rows so every chunk respects both the row-count and the
// estimated-size caps. Sizes are estimated from the rendered SQL value, the
// form the statement actually ships in.
func chunkRows(rows []ledger.Row) [][]ledger.Row {
	if len(rows) == 0 {
		return nil
	}

	var chunks [][]ledger.Row
	for start := 0; start < len(rows); start += maxRowsPerChunk {
		end := start + maxRowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}

	var out [][]ledger.Row
	for _, chunk := range chunks {
		total := 0
		for _, row := range chunk {
			total += len(rowSQLValue(row)) + 1
		}
		if total <= maxChunkBytes {
			out = append(out, chunk)
			continue
		}
		// oversized: re-split by average row size
		avg := total / len(chunk)
		perChunk := maxChunkBytes / avg
		if perChunk < 1 {
			perChunk = 1
		}
		for start := 0; start < len(chunk); start += perChunk {
			end := start + perChunk
			if end > len(chunk) {
				end = len(chunk)
			}
			out = append(out, chunk[start:end])
		}
	}
	return out
}

func usageDayBounds(rows []ledger.Row) (time.Time, time.Time) {
	start, end := rows[0].UsageStartTime, rows[0].UsageStartTime
	for _, row := range rows[1:] {
		if row.UsageStartTime.Before(start) {
			start = row.UsageStartTime
		}
		if row.UsageStartTime.After(end) {
			end = row.UsageStartTime
		}
	}
	return start, end
}

// DryRunSink counts rows without touching the warehouse at all, for
// validating connector output offline.
type DryRunSink struct {
	logger log.FieldLogger
}

func NewDryRunSink(logger log.FieldLogger) *DryRunSink {
	return &DryRunSink{logger: logger.WithField("component", "dryRunSink")}
}

func (s *DryRunSink) Upsert(_ context.Context, rows []ledger.Row) (int, error) {
	total := ledger.SumCost(rows)
	s.logger.Infof("dry run: %d rows, total cost %s", len(rows), total.String())
	return len(rows), nil
}

var _ Sink = (*Upserter)(nil)
var _ Sink = (*DryRunSink)(nil)
