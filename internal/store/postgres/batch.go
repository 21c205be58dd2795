package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/luxfi/dexgraph/internal/pooldata"
)

// pgxBatch thinly wraps pgx.Batch so callers above don't reference the
// pgx package directly for every Queue call.
type pgxBatch struct {
	b pgx.Batch
}

func (p *pgxBatch) Queue(sql string, args ...any) {
	p.b.Queue(sql, args...)
}

// sendBatch executes every queued statement and surfaces the first
// error encountered, closing the batch results regardless.
func (s *Store) sendBatch(ctx context.Context, batch *pgxBatch) error {
	if batch.b.Len() == 0 {
		return nil
	}
	results := s.pool.SendBatch(ctx, &batch.b)
	defer results.Close()
	for i := 0; i < batch.b.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: batch statement %d: %w", i, err)
		}
	}
	return nil
}

// encodeStateJSON is the on-the-wire shape persisted into
// pool_state.state; pooldata.EncodeState also backs the State Cache's
// merkle input, so both stay byte-for-byte consistent.
func encodeStateJSON(p *pooldata.Pool) []byte {
	return pooldata.EncodeState(p)
}
