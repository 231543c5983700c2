package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"flowtrader/internal/config"
)

// ErrPersistence 标记持久化读写失败，调用方按非致命错误处理。
var ErrPersistence = errors.New("persistence failure")

// Store 持有策略、流程与事件共用的 SQLite 连接池。
type Store struct {
	db *sql.DB
}

// NewSQLite 打开数据库。内存库只对单个连接可见，因此内存模式固定为一个常驻连接。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn, pragmas := cfg.Path+"?_busy_timeout=5000", []string{"journal_mode=WAL", "synchronous=NORMAL"}
	if cfg.InMemory {
		dsn, pragmas = ":memory:", []string{"synchronous=OFF"}
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	} else if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: 创建数据目录 %q 失败: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: 打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(max(cfg.MaxOpenConns, 1))
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	for _, p := range pragmas {
		if _, err := db.Exec("PRAGMA " + p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: 设置 PRAGMA %s 失败: %w", p, err)
		}
	}
	return &Store{db: db}, nil
}

// DB 返回底层连接池。
func (s *Store) DB() *sql.DB { return s.db }

// Close 关闭连接池，可重复调用。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
