package store

import (
	"github.com/glebarez/sqlite"
)

// SQLiteStore 基于 SQLite 的存储实现
type SQLiteStore struct {
	*GormStore
}

// NewSQLiteStore 创建 SQLite 存储实例
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	dsn := config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	store, err := NewGormStore(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{GormStore: store}, nil
}
