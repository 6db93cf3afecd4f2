package txrecord

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/gateway"
)

// MySQLStore 使用 transaction_records 表保存交易记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于共享连接池创建存储，表结构由 storage/mysql 的迁移负责。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易记录存储缺少数据库连接")
	}
	return &MySQLStore{db: db}, nil
}

const recordColumns = `id, session_id, proposal_id, tx_hash, status, status_unknown, action, sender,
        recipient, recipient_address, amount, token, to_token, expected_amount, yield_earned,
        confirmations, failure_code, failure_message, submitted_at, settled_at`

// Save 实现 Store 接口，同一 ID 的记录被整体更新。
func (s *MySQLStore) Save(ctx context.Context, r Record) error {
	const stmt = `INSERT INTO transaction_records (` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            tx_hash = VALUES(tx_hash),
            status = VALUES(status),
            status_unknown = VALUES(status_unknown),
            confirmations = VALUES(confirmations),
            failure_code = VALUES(failure_code),
            failure_message = VALUES(failure_message),
            settled_at = VALUES(settled_at)`

	var settled int64
	if !r.SettledAt.IsZero() {
		settled = r.SettledAt.UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		r.ID,
		r.SessionID,
		r.ProposalID,
		r.Hash,
		string(r.Status),
		r.StatusUnknown,
		r.Action,
		strings.ToLower(r.Sender),
		r.Recipient,
		r.RecipientAddress,
		r.Amount,
		r.Token,
		r.ToToken,
		r.ExpectedAmount,
		r.YieldEarned,
		r.Confirmations,
		r.FailureCode,
		r.FailureMessage,
		r.SubmittedAt.UnixMilli(),
		settled,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM transaction_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	return r, true, nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	filter = filter.normalized()
	query := `SELECT ` + recordColumns + ` FROM transaction_records`
	args := []any{}
	if filter.Sender != "" {
		query += ` WHERE sender = ?`
		args = append(args, filter.Sender)
	}
	query += ` ORDER BY submitted_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                  Record
		status             string
		failureMessage     sql.NullString
		submitted, settled int64
	)
	if err := sc.Scan(&r.ID, &r.SessionID, &r.ProposalID, &r.Hash, &status, &r.StatusUnknown, &r.Action, &r.Sender,
		&r.Recipient, &r.RecipientAddress, &r.Amount, &r.Token, &r.ToToken, &r.ExpectedAmount, &r.YieldEarned,
		&r.Confirmations, &r.FailureCode, &failureMessage, &submitted, &settled); err != nil {
		return Record{}, err
	}
	r.Status = gateway.Status(status)
	r.FailureMessage = failureMessage.String
	r.SubmittedAt = time.UnixMilli(submitted).UTC()
	if settled > 0 {
		r.SettledAt = time.UnixMilli(settled).UTC()
	}
	return r, nil
}

// Close 连接池由调用方管理，这里不关闭。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
