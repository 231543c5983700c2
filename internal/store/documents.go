package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// DocumentStore 为按名称存取的结构化文档接口，移动止损策略与流程快照均依赖它。
type DocumentStore interface {
	Load(ctx context.Context, key string, out interface{}) (bool, error)
	Save(ctx context.Context, key string, value interface{}) error
}

// Documents 将命名文档以 JSON 形式保存在 SQLite 中。
type Documents struct {
	db *sql.DB
}

var _ DocumentStore = (*Documents)(nil)

// NewDocuments 创建文档存储并初始化表结构。
func NewDocuments(store *Store) (*Documents, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}

	d := &Documents{db: store.DB()}
	if err := d.initSchema(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Documents) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS documents (
	doc_key TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
	if _, err := d.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化文档表失败: %w", err)
	}
	return nil
}

// Load 读取 key 对应的文档并解码到 out。文档不存在时返回 false。
func (d *Documents) Load(ctx context.Context, key string, out interface{}) (bool, error) {
	var body string
	row := d.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE doc_key = ?`, key)
	switch err := row.Scan(&body); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: 读取文档 %q 失败: %v", ErrPersistence, key, err)
	}

	if err := json.Unmarshal([]byte(body), out); err != nil {
		return false, fmt.Errorf("%w: 解析文档 %q 失败: %v", ErrPersistence, key, err)
	}
	return true, nil
}

// Save 覆盖写入 key 对应的文档。
func (d *Documents) Save(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: 序列化文档 %q 失败: %v", ErrPersistence, key, err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO documents (doc_key, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(doc_key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: 写入文档 %q 失败: %v", ErrPersistence, key, err)
	}
	return nil
}
