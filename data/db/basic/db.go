package basic

import (
	"context"
	"database/sql"
	"time"

	core "txsaga/data/db"
	"txsaga/data/db/dialect"
)

// DB 基于 database/sql 的最小实现，满足 core.IDatabase 抽象
type DB struct {
	db      *sql.DB
	dialect dialect.Dialect
	driver  string
}

var _ core.IDatabase = (*DB)(nil)

// New 根据 core.DBConfig 创建基础数据库实例
//
// 调用方必须确保所配置的 Driver 已通过空导入注册（例如 `_ "modernc.org/sqlite"`）。
// sqlite 的 :memory: 库按连接隔离，因此这里把连接数固定为 1。
func New(config core.DBConfig) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}

	sqlDB, err := sql.Open(driver, config.Database)
	if err != nil {
		return nil, err
	}

	d := dialect.New(driver)
	switch {
	case d.Name() == dialect.NameSQLite && config.Database == ":memory:":
		sqlDB.SetMaxOpenConns(1)
	case config.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	// 基础可用性检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &DB{db: sqlDB, dialect: d, driver: driver}, nil
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)}
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{db: d.db, tx: tx, dialect: d.dialect}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }

// GetDialectName 实现 core.IDialectNameProvider，返回底层 driver 名
func (d *DB) GetDialectName() string {
	return d.driver
}
