// Package sqlledger 基于 SQL 数据库的审计证据账本
//
// 复用 data/db 抽象，(transaction_id, sequence) 唯一；序号与时间戳在同一个数据库事务里
// 根据该事务已有的最后一条证据分配，时间戳以 Unix 纳秒保存。
package sqlledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"txsaga/data/db"
	"txsaga/data/db/dialect"
	apperrors "txsaga/errors"
	"txsaga/ledger"
	"txsaga/logging"
)

// DefaultTableName 默认表名
const DefaultTableName = "audit_evidence"

// maxAppendAttempts 序号冲突时的重试次数
const maxAppendAttempts = 3

// Ledger SQL 账本实现
//
// 同一进程内的追加串行执行；跨进程的并发由唯一索引兜底，冲突时重试。
type Ledger struct {
	mu        sync.Mutex
	db        db.IDatabase
	tableName string
	dialect   dialect.Dialect
	logger    logging.Logger
	now       func() time.Time
}

var _ ledger.ILedger = (*Ledger)(nil)

// New 创建 SQL 账本
//
// 参数：
//   - database: 数据库实例
//   - tableName: 表名（默认 "audit_evidence"）
func New(database db.IDatabase, tableName string) *Ledger {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return &Ledger{
		db:        database,
		tableName: tableName,
		dialect:   dialect.FromDatabase(database),
		logger:    logging.ComponentLogger("ledger.sql"),
		now:       time.Now,
	}
}

// Append 追加证据
func (l *Ledger) Append(ctx context.Context, entry *ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		err = l.appendOnce(ctx, entry)
		if err == nil || !l.dialect.IsUniqueViolation(err) {
			break
		}
		l.logger.Debug(ctx, "evidence sequence conflict, retrying",
			logging.String("tx_id", entry.TransactionID),
			logging.Int("attempt", attempt))
	}
	if err != nil {
		if apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidInput) {
			return err
		}
		return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeDatabase, "追加审计证据")
	}
	return nil
}

func (l *Ledger) appendOnce(ctx context.Context, entry *ledger.Entry) (err error) {
	if entry == nil {
		return ledger.ErrInvalidEntry
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var lastSeq, lastNanos int64
	row := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(sequence), 0), COALESCE(MAX(ts), 0) FROM %s WHERE transaction_id = ?", l.tableName),
		entry.TransactionID)
	if err = row.Scan(&lastSeq, &lastNanos); err != nil {
		return err
	}

	var lastTS time.Time
	if lastNanos > 0 {
		lastTS = time.Unix(0, lastNanos).UTC()
	}
	if err = ledger.Prepare(entry, lastSeq, lastTS, l.now()); err != nil {
		return err
	}

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, transaction_id, sequence, type, data, signature, version, ts, replay_id, replay_of)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, l.tableName),
		entry.ID, entry.TransactionID, entry.Sequence, string(entry.Type), string(data),
		entry.Signature, entry.Version, entry.Timestamp.UnixNano(), entry.ReplayID, string(entry.ReplayOf))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListByTransaction 按时间升序读取证据
func (l *Ledger) ListByTransaction(ctx context.Context, txID string) ([]*ledger.Entry, error) {
	rows, err := l.db.Query(ctx,
		fmt.Sprintf(`SELECT id, transaction_id, sequence, type, data, signature, version, ts, replay_id, replay_of
			FROM %s WHERE transaction_id = ? ORDER BY ts ASC, sequence ASC`, l.tableName),
		txID)
	if err != nil {
		return nil, apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeDatabase, "查询审计证据")
	}
	defer rows.Close()

	out := make([]*ledger.Entry, 0)
	for rows.Next() {
		var (
			e        ledger.Entry
			typ      string
			data     string
			nanos    int64
			replayOf string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Sequence, &typ, &data,
			&e.Signature, &e.Version, &nanos, &e.ReplayID, &replayOf); err != nil {
			return nil, apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeDatabase, "读取审计证据")
		}
		e.Type = ledger.EvidenceType(typ)
		e.ReplayOf = ledger.EvidenceType(replayOf)
		e.Timestamp = time.Unix(0, nanos).UTC()
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeDatabase, "证据数据损坏")
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeDatabase, "读取审计证据")
	}
	return out, nil
}

// Clear 删除事务证据
func (l *Ledger) Clear(ctx context.Context, txID string) error {
	_, err := l.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE transaction_id = ?", l.tableName), txID)
	if err != nil {
		return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeDatabase, "删除审计证据")
	}
	return nil
}

// CreateTable 创建证据表
//
// 使用 IF NOT EXISTS，重复调用是幂等的。
func (l *Ledger) CreateTable(ctx context.Context) error {
	var statements []string

	switch l.dialect.Name() {
	case dialect.NameMySQL:
		statements = []string{fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(64) PRIMARY KEY,
				transaction_id VARCHAR(255) NOT NULL,
				sequence BIGINT NOT NULL,
				type VARCHAR(32) NOT NULL,
				data LONGTEXT NOT NULL,
				signature VARCHAR(255) NOT NULL DEFAULT '',
				version VARCHAR(32) NOT NULL,
				ts BIGINT NOT NULL,
				replay_id VARCHAR(64) NOT NULL DEFAULT '',
				replay_of VARCHAR(32) NOT NULL DEFAULT '',
				UNIQUE KEY uk_%s_tx_seq (transaction_id, sequence)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, l.tableName, l.tableName)}
	default:
		// SQLite 与 Postgres 共用 DDL
		statements = []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(64) PRIMARY KEY,
				transaction_id VARCHAR(255) NOT NULL,
				sequence BIGINT NOT NULL,
				type VARCHAR(32) NOT NULL,
				data TEXT NOT NULL,
				signature VARCHAR(255) NOT NULL DEFAULT '',
				version VARCHAR(32) NOT NULL,
				ts BIGINT NOT NULL,
				replay_id VARCHAR(64) NOT NULL DEFAULT '',
				replay_of VARCHAR(32) NOT NULL DEFAULT ''
			)`, l.tableName),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uk_%s_tx_seq ON %s (transaction_id, sequence)`, l.tableName, l.tableName),
		}
	}

	for _, stmt := range statements {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeDatabase, "创建审计证据表")
		}
	}
	return nil
}
