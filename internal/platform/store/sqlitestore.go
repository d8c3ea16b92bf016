package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// treeNode is one leaf row of the SQLite backend.
type treeNode struct {
	Path      string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (treeNode) TableName() string { return "tree_nodes" }

// SQLiteStore keeps the tree in a SQLite file through gorm. Mutations are
// serialized by a process-wide lock, so it serves a single process: change
// notifications are delivered in-process only.
type SQLiteStore struct {
	db     *gorm.DB
	logger zerolog.Logger
	subs   *fanout

	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens (creating if needed) the database at dsn and migrates the
// tree_nodes table. Use ":memory:" for a throwaway database.
func OpenSQLite(dsn string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&treeNode{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate tree_nodes: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlitestore").Logger(),
		subs:   newFanout(),
	}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := Validate(path); err != nil {
		return Snapshot{}, err
	}
	v, err := readNodes(s.db.WithContext(ctx), path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: Clean(path), Value: v}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, path string, value any) error {
	return s.Transact(ctx, nil, func(map[string]Snapshot) (map[string]any, error) {
		return map[string]any{path: value}, nil
	})
}

func (s *SQLiteStore) Update(ctx context.Context, path string, values map[string]any) error {
	if err := Validate(path); err != nil {
		return err
	}
	writes := absoluteWrites(path, values)
	return s.Transact(ctx, nil, func(map[string]Snapshot) (map[string]any, error) {
		return writes, nil
	})
}

func (s *SQLiteStore) Append(ctx context.Context, path string, value any) (string, error) {
	if err := Validate(path); err != nil {
		return "", err
	}
	key := NewKey()
	err := s.Transact(ctx, nil, func(map[string]Snapshot) (map[string]any, error) {
		return map[string]any{Join(path, key): value}, nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, path string) error {
	return s.Write(ctx, path, nil)
}

func (s *SQLiteStore) Transact(ctx context.Context, readPaths []string, fn TxFunc) error {
	for _, p := range readPaths {
		if err := Validate(p); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var changed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur := make(map[string]Snapshot, len(readPaths))
		for _, p := range readPaths {
			v, err := readNodes(tx, p)
			if err != nil {
				return err
			}
			cur[p] = Snapshot{Path: Clean(p), Value: v}
		}
		writes, err := fn(cur)
		if err != nil {
			return err
		}
		changed, err = writeNodes(tx, writes)
		return err
	})
	if err != nil {
		return err
	}
	s.dispatchLocked(ctx, changed)
	return nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := Validate(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	sub := s.subs.add(ctx, path, fn)
	v, err := readNodes(s.db.WithContext(ctx), path)
	if err != nil {
		s.subs.remove(sub)
		return nil, err
	}
	sub.offer(Snapshot{Path: sub.path, Value: v})
	return func() { s.subs.remove(sub) }, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subs.closeAll()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) dispatchLocked(ctx context.Context, changed []string) {
	for _, sub := range s.subs.matching(changed) {
		v, err := readNodes(s.db.WithContext(context.WithoutCancel(ctx)), sub.path)
		if err != nil {
			s.logger.Error().Err(err).Str("path", sub.path).Msg("refresh subscription")
			continue
		}
		sub.offer(Snapshot{Path: sub.path, Value: v})
	}
}

// subtree scopes a query to the node at p and its descendants. The range
// test is a byte-wise prefix match, which LIKE is not in SQLite.
func subtree(db *gorm.DB, p string) *gorm.DB {
	p = Clean(p)
	if p == "" {
		return db.Where("1 = 1")
	}
	return db.Where("path = ? OR (path >= ? AND path < ?)", p, p+"/", p+"0")
}

func readNodes(db *gorm.DB, path string) (any, error) {
	var nodes []treeNode
	if err := subtree(db, path).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("read %q: %w", Clean(path), err)
	}
	leaves := make([]leaf, len(nodes))
	for i, n := range nodes {
		leaves[i] = leaf{Path: n.Path, Value: n.Value}
	}
	return assemble(path, leaves)
}

func writeNodes(tx *gorm.DB, writes map[string]any) ([]string, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	paths, err := sortedWrites(writes)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, p := range paths {
		v, err := normalize(lookupWrite(writes, p))
		if err != nil {
			return nil, err
		}
		if err := subtree(tx, p).Delete(&treeNode{}).Error; err != nil {
			return nil, fmt.Errorf("write %q: %w", p, err)
		}
		if anc := Ancestors(p); len(anc) > 0 {
			if err := tx.Where("path IN ?", anc).Delete(&treeNode{}).Error; err != nil {
				return nil, fmt.Errorf("write %q: %w", p, err)
			}
		}
		leaves, err := flatten(p, v)
		if err != nil {
			return nil, err
		}
		if len(leaves) == 0 {
			continue
		}
		nodes := make([]treeNode, len(leaves))
		for i, l := range leaves {
			nodes[i] = treeNode{Path: l.Path, Value: l.Value, UpdatedAt: now}
		}
		if err := tx.CreateInBatches(nodes, 200).Error; err != nil {
			return nil, fmt.Errorf("write %q: %w", p, err)
		}
	}
	return paths, nil
}
