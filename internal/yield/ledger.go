package yield

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "IntentArc/internal/errors"
	mysqlstore "IntentArc/internal/storage/mysql"
)

// Deposit 是一条已确认的储蓄存款记录。
type Deposit struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash"`
	DepositedAt time.Time `json:"depositedAt"`
}

// Withdrawal 是一条已确认的储蓄取款记录，金额以收益币计。
type Withdrawal struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash"`
	WithdrawnAt time.Time `json:"withdrawnAt"`
}

// Ledger 记录存取款时间，用于计算真实持有期。列表按时间升序返回。
type Ledger interface {
	RecordDeposit(ctx context.Context, d Deposit) error
	RecordWithdrawal(ctx context.Context, w Withdrawal) error
	Deposits(ctx context.Context, owner string) ([]Deposit, error)
	Withdrawals(ctx context.Context, owner string) ([]Withdrawal, error)
	Close() error
}

func normalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

func prepareDeposit(d Deposit) (Deposit, error) {
	d.Owner = normalizeOwner(d.Owner)
	if d.Owner == "" {
		return d, xerrors.New(xerrors.CodeInvalidArgument, "存款记录缺少 owner")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DepositedAt.IsZero() {
		d.DepositedAt = time.Now().UTC()
	}
	return d, nil
}

func prepareWithdrawal(w Withdrawal) (Withdrawal, error) {
	w.Owner = normalizeOwner(w.Owner)
	if w.Owner == "" {
		return w, xerrors.New(xerrors.CodeInvalidArgument, "取款记录缺少 owner")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.WithdrawnAt.IsZero() {
		w.WithdrawnAt = time.Now().UTC()
	}
	return w, nil
}

// MemoryLedger 是进程内的台账实现。
type MemoryLedger struct {
	mu          sync.RWMutex
	deposits    map[string][]Deposit
	withdrawals map[string][]Withdrawal
}

// NewMemoryLedger 创建内存台账。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{deposits: make(map[string][]Deposit), withdrawals: make(map[string][]Withdrawal)}
}

// RecordDeposit 实现 Ledger。相同 ID 的存款只记录一次。
func (l *MemoryLedger) RecordDeposit(_ context.Context, d Deposit) error {
	d, err := prepareDeposit(d)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.deposits[d.Owner] {
		if existing.ID == d.ID {
			return nil
		}
	}
	list := append(l.deposits[d.Owner], d)
	sort.SliceStable(list, func(i, j int) bool { return list[i].DepositedAt.Before(list[j].DepositedAt) })
	l.deposits[d.Owner] = list
	return nil
}

// RecordWithdrawal 实现 Ledger。相同 ID 的取款只记录一次。
func (l *MemoryLedger) RecordWithdrawal(_ context.Context, w Withdrawal) error {
	w, err := prepareWithdrawal(w)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.withdrawals[w.Owner] {
		if existing.ID == w.ID {
			return nil
		}
	}
	list := append(l.withdrawals[w.Owner], w)
	sort.SliceStable(list, func(i, j int) bool { return list[i].WithdrawnAt.Before(list[j].WithdrawnAt) })
	l.withdrawals[w.Owner] = list
	return nil
}

// Deposits 实现 Ledger。
func (l *MemoryLedger) Deposits(_ context.Context, owner string) ([]Deposit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.deposits[normalizeOwner(owner)]
	out := make([]Deposit, len(list))
	copy(out, list)
	return out, nil
}

// Withdrawals 实现 Ledger。
func (l *MemoryLedger) Withdrawals(_ context.Context, owner string) ([]Withdrawal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.withdrawals[normalizeOwner(owner)]
	out := make([]Withdrawal, len(list))
	copy(out, list)
	return out, nil
}

// Close 实现 Ledger。
func (l *MemoryLedger) Close() error { return nil }

// MySQLLedger 将存取款写入 yield_deposits 与 yield_withdrawals 表，表结构由
// storage/mysql 的迁移创建。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 基于共享连接池创建台账。
func NewMySQLLedger(db *sql.DB) (*MySQLLedger, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "收益台账缺少数据库连接")
	}
	return &MySQLLedger{db: db}, nil
}

// RecordDeposit 实现 Ledger。事件重投导致的主键冲突视为已记录。
func (l *MySQLLedger) RecordDeposit(ctx context.Context, d Deposit) error {
	d, err := prepareDeposit(d)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO yield_deposits (id, owner, token, amount, tx_hash, deposited_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, stmt, d.ID, d.Owner, d.Token, d.Amount, d.TxHash, d.DepositedAt.UnixMilli()); err != nil {
		if mysqlstore.IsDuplicate(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入存款记录失败")
	}
	return nil
}

// RecordWithdrawal 实现 Ledger。事件重投导致的主键冲突视为已记录。
func (l *MySQLLedger) RecordWithdrawal(ctx context.Context, w Withdrawal) error {
	w, err := prepareWithdrawal(w)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO yield_withdrawals (id, owner, token, amount, tx_hash, withdrawn_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, stmt, w.ID, w.Owner, w.Token, w.Amount, w.TxHash, w.WithdrawnAt.UnixMilli()); err != nil {
		if mysqlstore.IsDuplicate(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入取款记录失败")
	}
	return nil
}

// Deposits 实现 Ledger。
func (l *MySQLLedger) Deposits(ctx context.Context, owner string) ([]Deposit, error) {
	const query = `SELECT id, owner, token, amount, tx_hash, deposited_at FROM yield_deposits
        WHERE owner = ? ORDER BY deposited_at ASC`
	rows, err := l.db.QueryContext(ctx, query, normalizeOwner(owner))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询存款记录失败")
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析存款记录失败")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历存款记录失败")
	}
	return out, nil
}

// Withdrawals 实现 Ledger。
func (l *MySQLLedger) Withdrawals(ctx context.Context, owner string) ([]Withdrawal, error) {
	const query = `SELECT id, owner, token, amount, tx_hash, withdrawn_at FROM yield_withdrawals
        WHERE owner = ? ORDER BY withdrawn_at ASC`
	rows, err := l.db.QueryContext(ctx, query, normalizeOwner(owner))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询取款记录失败")
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		var (
			w  Withdrawal
			at int64
		)
		if err := rows.Scan(&w.ID, &w.Owner, &w.Token, &w.Amount, &w.TxHash, &at); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析取款记录失败")
		}
		w.WithdrawnAt = time.UnixMilli(at).UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历取款记录失败")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeposit(s scanner) (Deposit, error) {
	var (
		d  Deposit
		at int64
	)
	if err := s.Scan(&d.ID, &d.Owner, &d.Token, &d.Amount, &d.TxHash, &at); err != nil {
		return Deposit{}, err
	}
	d.DepositedAt = time.UnixMilli(at).UTC()
	return d, nil
}

// Close 连接池由调用方管理，这里不关闭。
func (l *MySQLLedger) Close() error { return nil }

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*MySQLLedger)(nil)
)
