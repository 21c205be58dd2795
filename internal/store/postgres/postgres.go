// Package postgres implements internal/store.Store against Postgres
// via jackc/pgx/v5's pgxpool, the connection-pooled client the wider
// example corpus reaches for over database/sql (see
// other_examples/bcf6fd25_sjksingh-dbre-knowledge-base__postgres-stress-prod-reader.go.go's
// pgxpool.Pool usage) — a native pgx pool avoids a database/sql
// driver-registration indirection this module has no other use for.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/store"
)

// Store is a Postgres-backed store.Store.
type Store struct {
	log  logging.Logger
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to databaseURL and verifies it with
// a ping, matching original_source database::connect()'s
// fail-fast-on-unreachable-database contract (spec.md §7
// "Configuration / startup failure — fatal").
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{log: logging.New("store.postgres"), pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) LoadCursor(ctx context.Context, adapter string) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_block FROM discovery_cursors WHERE adapter = $1`, adapter,
	).Scan(&block)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("postgres: load cursor: %w", err)
	}
	return uint64(block), true, nil
}

func (s *Store) SaveCursor(ctx context.Context, adapter string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discovery_cursors (adapter, last_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (adapter) DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = now()
	`, adapter, int64(block))
	if err != nil {
		return fmt.Errorf("postgres: save cursor: %w", err)
	}
	return nil
}

func (s *Store) UpsertPoolMeta(ctx context.Context, metas []pooldata.Meta) error {
	if len(metas) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, m := range metas {
		var factory *string
		if m.Factory != nil {
			f := m.Factory.Hex()
			factory = &f
		}
		var poolID []byte
		if m.PoolID != nil {
			poolID = m.PoolID[:]
		}
		var fee *int64
		if m.Fee != nil {
			f := int64(*m.Fee)
			fee = &f
		}
		batch.Queue(`
			INSERT INTO pool_meta (address, factory, pool_id, fee, token0, token1, dex, pool_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (address) DO UPDATE SET
				factory = EXCLUDED.factory, pool_id = EXCLUDED.pool_id, fee = EXCLUDED.fee,
				token0 = EXCLUDED.token0, token1 = EXCLUDED.token1, dex = EXCLUDED.dex, pool_type = EXCLUDED.pool_type
		`, m.Address.Hex(), factory, poolID, fee, m.Token0.Hex(), m.Token1.Hex(), m.Dex, m.PoolType)
	}
	return s.sendBatch(ctx, batch)
}

func (s *Store) UpsertPoolState(ctx context.Context, pools []*pooldata.Pool, blockNumber uint64) error {
	if len(pools) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, p := range pools {
		tokens := p.Tokens()
		tokenHexes := make([]string, len(tokens))
		for i, t := range tokens {
			tokenHexes[i] = t.Hex()
		}
		stateJSON := encodeStateJSON(p)
		batch.Queue(`
			INSERT INTO pool_state (address, kind, tokens, state, block_number, observed_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (address) DO UPDATE SET
				kind = EXCLUDED.kind, tokens = EXCLUDED.tokens, state = EXCLUDED.state,
				block_number = EXCLUDED.block_number, observed_at = now()
		`, p.Address().Hex(), p.Kind.String(), tokenHexes, stateJSON, int64(blockNumber))
	}
	return s.sendBatch(ctx, batch)
}

func (s *Store) LoadActivePools(ctx context.Context) ([]store.ActivePool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.address, COALESCE(w.weight_usd, 0), m.dex
		FROM pool_activity p
		JOIN pool_meta m ON m.address = p.address
		LEFT JOIN LATERAL (
			SELECT weight_usd FROM graph_weights gw WHERE gw.address = p.address ORDER BY gw.computed_at DESC LIMIT 1
		) w ON true
		WHERE p.active
		ORDER BY w.weight_usd DESC NULLS LAST
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load active pools: %w", err)
	}
	defer rows.Close()

	var out []store.ActivePool
	for rows.Next() {
		var addrHex, dex string
		var weight float64
		if err := rows.Scan(&addrHex, &weight, &dex); err != nil {
			return nil, fmt.Errorf("postgres: scan active pool: %w", err)
		}
		out = append(out, store.ActivePool{
			Pool:      gethcommon.HexToAddress(addrHex),
			WeightUSD: weight,
			Dex:       dex,
		})
	}
	return out, rows.Err()
}

func (s *Store) LoadAllPoolMeta(ctx context.Context) ([]pooldata.Meta, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, token0, token1, dex, pool_type, fee FROM pool_meta`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load all pool meta: %w", err)
	}
	defer rows.Close()

	var out []pooldata.Meta
	for rows.Next() {
		var addr, token0, token1, dex, poolType string
		var fee *int64
		if err := rows.Scan(&addr, &token0, &token1, &dex, &poolType, &fee); err != nil {
			return nil, fmt.Errorf("postgres: scan pool meta: %w", err)
		}
		m := pooldata.Meta{
			Address:  gethcommon.HexToAddress(addr),
			Token0:   gethcommon.HexToAddress(token0),
			Token1:   gethcommon.HexToAddress(token1),
			Dex:      dex,
			PoolType: poolType,
		}
		if fee != nil {
			f := uint32(*fee)
			m.Fee = &f
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) BatchUpsertGraphWeights(ctx context.Context, weights []store.GraphWeight) error {
	for _, chunk := range store.ChunkGraphWeights(weights) {
		batch := &pgxBatch{}
		for _, w := range chunk {
			batch.Queue(`
				INSERT INTO graph_weights (address, weight_usd, block_number, computed_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (address) DO UPDATE SET
					weight_usd = EXCLUDED.weight_usd, block_number = EXCLUDED.block_number, computed_at = EXCLUDED.computed_at
			`, w.Pool.Hex(), w.WeightUSD, int64(w.BlockNumber), orNow(w.ComputedAt))
		}
		if err := s.sendBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LoadAllGraphWeights(ctx context.Context) (map[gethcommon.Address]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, weight_usd FROM graph_weights`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load all graph weights: %w", err)
	}
	defer rows.Close()

	out := make(map[gethcommon.Address]float64)
	for rows.Next() {
		var addr string
		var weight float64
		if err := rows.Scan(&addr, &weight); err != nil {
			return nil, fmt.Errorf("postgres: scan graph weight: %w", err)
		}
		out[gethcommon.HexToAddress(addr)] = weight
	}
	return out, rows.Err()
}

func (s *Store) CheckPoolsActivity(ctx context.Context, windowDays int, minActiveWeightUSD float64) (int64, error) {
	var active int64
	err := s.pool.QueryRow(ctx, `
		WITH reconciled AS (
			INSERT INTO pool_activity (address, active, checked_at)
			SELECT gw.address, (gw.weight_usd >= $2 AND gw.computed_at >= now() - ($1 || ' days')::interval), now()
			FROM graph_weights gw
			ON CONFLICT (address) DO UPDATE SET active = EXCLUDED.active, checked_at = EXCLUDED.checked_at
			RETURNING active
		)
		SELECT count(*) FROM reconciled WHERE active
	`, windowDays, minActiveWeightUSD).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("postgres: check pools activity: %w", err)
	}
	return active, nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
