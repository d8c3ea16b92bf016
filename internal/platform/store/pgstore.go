package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ChangesChannel is the NOTIFY channel every committed write is announced
// on. The payload is the written path.
const ChangesChannel = "tree_changes"

const (
	defaultMaxRetries = 16
	dispatchTimeout   = 5 * time.Second
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore keeps the tree in PostgreSQL as one row per leaf in the
// tree_nodes table. Every mutation is a SERIALIZABLE transaction retried on
// serialization failures, which makes Transact a real compare-and-swap.
// Commits are broadcast with pg_notify so that subscribers in other
// processes (the API server and a standalone worker) see each other's
// writes once Listen is running.
type PGStore struct {
	pool       *pgxpool.Pool
	logger     zerolog.Logger
	subs       *fanout
	notifyMu   sync.Mutex
	maxRetries int
}

// NewPGStore wraps an existing pool. The pool stays owned by the caller.
func NewPGStore(pool *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{
		pool:       pool,
		logger:     logger.With().Str("component", "pgstore").Logger(),
		subs:       newFanout(),
		maxRetries: defaultMaxRetries,
	}
}

func (s *PGStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := Validate(path); err != nil {
		return Snapshot{}, err
	}
	v, err := s.readValue(ctx, s.pool, path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: Clean(path), Value: v}, nil
}

func (s *PGStore) Write(ctx context.Context, path string, value any) error {
	return s.commit(ctx, map[string]any{path: value})
}

func (s *PGStore) Update(ctx context.Context, path string, values map[string]any) error {
	if err := Validate(path); err != nil {
		return err
	}
	return s.commit(ctx, absoluteWrites(path, values))
}

func (s *PGStore) Append(ctx context.Context, path string, value any) (string, error) {
	if err := Validate(path); err != nil {
		return "", err
	}
	key := NewKey()
	if err := s.commit(ctx, map[string]any{Join(path, key): value}); err != nil {
		return "", err
	}
	return key, nil
}

func (s *PGStore) Remove(ctx context.Context, path string) error {
	return s.Write(ctx, path, nil)
}

func (s *PGStore) Transact(ctx context.Context, readPaths []string, fn TxFunc) error {
	for _, p := range readPaths {
		if err := Validate(p); err != nil {
			return err
		}
	}

	var changed []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur := make(map[string]Snapshot, len(readPaths))
		for _, p := range readPaths {
			v, err := s.readValue(ctx, tx, p)
			if err != nil {
				return err
			}
			cur[p] = Snapshot{Path: Clean(p), Value: v}
		}
		writes, err := fn(cur)
		if err != nil {
			return err
		}
		changed, err = s.writeAll(ctx, tx, writes)
		return err
	})
	if err != nil {
		return err
	}
	s.dispatch(changed)
	return nil
}

func (s *PGStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := Validate(path); err != nil {
		return nil, err
	}
	sub := s.subs.add(ctx, path, fn)
	v, err := s.readValue(ctx, s.pool, path)
	if err != nil {
		s.subs.remove(sub)
		return nil, err
	}
	sub.offer(Snapshot{Path: sub.path, Value: v})
	return func() { s.subs.remove(sub) }, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases every subscription. The pool is closed by its owner.
func (s *PGStore) Close() error {
	s.subs.closeAll()
	return nil
}

// Listen consumes change notifications from other connections and
// refreshes the affected subscriptions. It blocks until ctx is done,
// reconnecting after errors.
func (s *PGStore) Listen(ctx context.Context) error {
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("change listener disconnected, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (s *PGStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangesChannel, err)
	}
	s.logger.Info().Str("channel", ChangesChannel).Msg("listening for tree changes")

	// Writes made while disconnected were never announced to us.
	s.dispatch([]string{""})

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch([]string{n.Payload})
	}
}

func (s *PGStore) commit(ctx context.Context, writes map[string]any) error {
	var changed []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		changed, err = s.writeAll(ctx, tx, writes)
		return err
	})
	if err != nil {
		return err
	}
	s.dispatch(changed)
	return nil
}

func (s *PGStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, opts, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("serialization conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 5 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrConflict, s.maxRetries)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func (s *PGStore) readValue(ctx context.Context, q querier, path string) (any, error) {
	path = Clean(path)
	var (
		rows pgx.Rows
		err  error
	)
	if path == "" {
		rows, err = q.Query(ctx, `SELECT path, value FROM tree_nodes`)
	} else {
		rows, err = q.Query(ctx, `SELECT path, value FROM tree_nodes WHERE path = $1 OR path LIKE $2`,
			path, likePrefix(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	leaves, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (leaf, error) {
		var l leaf
		err := row.Scan(&l.Path, &l.Value)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return assemble(path, leaves)
}

// writeAll applies writes inside tx and announces them. It returns the
// cleaned paths that changed.
func (s *PGStore) writeAll(ctx context.Context, tx pgx.Tx, writes map[string]any) ([]string, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	paths, err := sortedWrites(writes)
	if err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	for _, p := range paths {
		v, err := normalize(lookupWrite(writes, p))
		if err != nil {
			return nil, err
		}
		if p == "" {
			batch.Queue(`DELETE FROM tree_nodes`)
		} else {
			batch.Queue(`DELETE FROM tree_nodes WHERE path = $1 OR path LIKE $2`, p, likePrefix(p))
		}
		if anc := Ancestors(p); len(anc) > 0 {
			batch.Queue(`DELETE FROM tree_nodes WHERE path = ANY($1)`, anc)
		}
		leaves, err := flatten(p, v)
		if err != nil {
			return nil, err
		}
		for _, l := range leaves {
			batch.Queue(`INSERT INTO tree_nodes (path, value, updated_at) VALUES ($1, $2, NOW())`, l.Path, l.Value)
		}
		batch.Queue(`SELECT pg_notify($1, $2)`, ChangesChannel, p)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("write batch: %w", err)
	}
	return paths, nil
}

// dispatch re-reads every subscription that observes one of the changed
// paths and offers it the fresh value. Dispatches are serialized so a
// slower, older read can never be offered after a newer one.
func (s *PGStore) dispatch(changed []string) {
	subs := s.subs.matching(changed)
	if len(subs) == 0 {
		return
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	for _, sub := range subs {
		v, err := s.readValue(ctx, s.pool, sub.path)
		if err != nil {
			s.logger.Error().Err(err).Str("path", sub.path).Msg("refresh subscription")
			continue
		}
		sub.offer(Snapshot{Path: sub.path, Value: v})
	}
}
