// Package gormstore 用 gorm 持久化成交记录与决策日志，并在交易所不可用时
// 从成交流水推算账户状态。
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/executor"
	"autotrader/internal/market"
	storemodel "autotrader/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// 纯 Go 的 sqlite 驱动，注册名为 "sqlite"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	maxListLimit     = 500
	defaultListLimit = 50
)

type tradeModel = storemodel.TradeModel
type decisionLogModel = storemodel.DecisionLogModel

// Options 对应 store 配置段。
type Options struct {
	Driver          string
	Path            string
	DSN             string
	StartingBalance float64
}

// GormStore 实现 executor.TradeRecorder、决策日志与账本查询。
type GormStore struct {
	db              *gorm.DB
	startingBalance float64
	nowFn           func() time.Time
}

var _ executor.TradeRecorder = (*GormStore)(nil)

// Open 按驱动打开数据库并自动迁移表结构。
func Open(opts Options) (*GormStore, error) {
	dialector, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm store: open %s failed: %w", opts.Driver, err)
	}
	if err := db.AutoMigrate(&tradeModel{}, &decisionLogModel{}); err != nil {
		return nil, fmt.Errorf("gorm store: migrate failed: %w", err)
	}
	if strings.EqualFold(opts.Driver, DriverSQLite) || opts.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite + WAL：允许少量并发读，同时控制锁竞争
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &GormStore{db: db, startingBalance: opts.StartingBalance, nowFn: time.Now}, nil
}

func dialectorFor(opts Options) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		path := strings.TrimSpace(opts.Path)
		if path == "" {
			return nil, fmt.Errorf("gorm store: sqlite 路径不能为空")
		}
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
		return &sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, nil
	case DriverPostgres:
		dsn := strings.TrimSpace(opts.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("gorm store: postgres dsn 不能为空")
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("gorm store: unsupported driver %q", opts.Driver)
	}
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveTrade 以 order_id 幂等写入；同一订单再次保存时更新状态字段。
func (s *GormStore) SaveTrade(ctx context.Context, order executor.Order, userID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	m := newTradeModel(order, userID, s.nowFn())
	var existing tradeModel
	err := s.db.WithContext(ctx).Where("order_id = ?", m.OrderID).Limit(1).Find(&existing).Error
	if err != nil {
		return 0, err
	}
	if existing.ID > 0 {
		m.ID = existing.ID
		m.CreatedAtUnix = existing.CreatedAtUnix
		if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
			return 0, err
		}
		return m.ID, nil
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ListTrades 按时间倒序返回成交记录，symbol 为空时不过滤。
func (s *GormStore) ListTrades(ctx context.Context, userID, symbol string, limit int) ([]executor.Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var models []tradeModel
	if err := q.Order("created_at DESC, id DESC").Limit(clampLimit(limit)).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]executor.Order, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToOrder(m))
	}
	return out, nil
}

// SaveDecisionLog 写入一条周期日志，返回自增 ID。
func (s *GormStore) SaveDecisionLog(ctx context.Context, entry decision.LogEntry) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	m, err := newDecisionLogModel(entry)
	if err != nil {
		return 0, err
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ListDecisions 最近的周期日志，新的在前。
func (s *GormStore) ListDecisions(ctx context.Context, limit int) ([]decision.LogEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []decisionLogModel
	if err := s.db.WithContext(ctx).
		Order("started_at DESC, id DESC").
		Limit(clampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]decision.LogEntry, 0, len(models))
	for _, m := range models {
		entry, err := decisionLogModelToEntry(m)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// AccountFromLedger 以初始资金加成交流水推算账户，持仓成本按平均成本法计算。
// 部分成交后失败的订单按已成交数量计入。
func (s *GormStore) AccountFromLedger(ctx context.Context, userID, symbol string, price float64) (market.AccountState, error) {
	if s == nil || s.db == nil {
		return market.AccountState{}, fmt.Errorf("gorm store 未初始化")
	}
	var models []tradeModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND symbol = ?", userID, symbol).
		Where("status = ? OR (status = ? AND executed_quantity > 0)", string(executor.StatusFilled), string(executor.StatusFailed)).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return market.AccountState{}, err
	}
	cash := s.startingBalance
	var qty, cost float64
	for _, m := range models {
		filled := m.ExecutedQuantity
		notional := m.TotalCost
		if notional <= 0 {
			notional = filled * m.ExecutedPrice
		}
		switch executor.Side(m.Side) {
		case executor.SideBuy:
			cash -= notional
			qty += filled
			cost += notional
		case executor.SideSell:
			cash += notional
			if qty > 0 {
				sold := filled
				if sold > qty {
					sold = qty
				}
				cost -= cost * sold / qty
				qty -= sold
			}
		}
	}
	if qty <= 1e-12 {
		qty, cost = 0, 0
	}
	total := cash + qty*price
	return market.NewAccountState(total, cash, qty, price, cost, market.AccountSourceLedger, s.nowFn()), nil
}

func newTradeModel(o executor.Order, userID string, now time.Time) tradeModel {
	created := o.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	return tradeModel{
		OrderID:          o.ID,
		ExchangeOrderID:  o.ExchangeOrderID,
		UserID:           userID,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		Action:           o.Action,
		Status:           string(o.Status),
		Quantity:         o.Quantity,
		ExecutedQuantity: o.ExecutedQuantity,
		RequestedPrice:   o.RequestedPrice,
		ExecutedPrice:    o.ExecutedPrice,
		TotalCost:        o.TotalCost,
		Leverage:         o.Leverage,
		DecisionID:       o.DecisionID,
		Emergency:        o.Emergency,
		Error:            o.Error,
		CreatedAtUnix:    created.UnixMilli(),
		UpdatedAtUnix:    updated.UnixMilli(),
	}
}

func tradeModelToOrder(m tradeModel) executor.Order {
	return executor.Order{
		ID:               m.OrderID,
		ExchangeOrderID:  m.ExchangeOrderID,
		Symbol:           m.Symbol,
		Side:             executor.Side(m.Side),
		Type:             executor.OrderTypeMarket,
		Status:           executor.OrderStatus(m.Status),
		Quantity:         m.Quantity,
		RequestedPrice:   m.RequestedPrice,
		ExecutedPrice:    m.ExecutedPrice,
		ExecutedQuantity: m.ExecutedQuantity,
		Leverage:         m.Leverage,
		TotalCost:        m.TotalCost,
		DecisionID:       m.DecisionID,
		Action:           m.Action,
		Emergency:        m.Emergency,
		Error:            m.Error,
		CreatedAt:        millisToTime(m.CreatedAtUnix),
		UpdatedAt:        millisToTime(m.UpdatedAtUnix),
	}
}

// decisionContext 保存决策全文（含各顾问意见）。
type decisionContext struct {
	Preliminary *decision.Decision `json:"preliminary,omitempty"`
	Final       *decision.Decision `json:"final,omitempty"`
}

func newDecisionLogModel(e decision.LogEntry) (decisionLogModel, error) {
	raw, err := json.Marshal(decisionContext{Preliminary: e.Preliminary, Final: e.Final})
	if err != nil {
		return decisionLogModel{}, fmt.Errorf("encode decision context: %w", err)
	}
	m := decisionLogModel{
		TraceID:        e.TraceID,
		UserID:         e.UserID,
		Symbol:         e.Symbol,
		Strategy:       e.Strategy,
		Trigger:        string(e.Trigger),
		State:          e.State,
		Action:         string(e.Action()),
		Approved:       e.Approved,
		RiskRule:       e.RiskRule,
		RiskReason:     e.RiskReason,
		OrderID:        e.OrderID,
		OrderStatus:    e.OrderStatus,
		Quantity:       e.Quantity,
		Price:          e.Price,
		Error:          e.Error,
		ContextJSON:    datatypes.JSON(raw),
		StartedAtUnix:  e.StartedAt.UnixMilli(),
		FinishedAtUnix: e.FinishedAt.UnixMilli(),
	}
	if e.Final != nil {
		m.Confidence = e.Final.Confidence
	}
	return m, nil
}

func decisionLogModelToEntry(m decisionLogModel) (decision.LogEntry, error) {
	var ctxData decisionContext
	if len(m.ContextJSON) > 0 {
		if err := json.Unmarshal(m.ContextJSON, &ctxData); err != nil {
			return decision.LogEntry{}, fmt.Errorf("decode decision log %d: %w", m.ID, err)
		}
	}
	return decision.LogEntry{
		ID:          m.ID,
		TraceID:     m.TraceID,
		UserID:      m.UserID,
		Symbol:      m.Symbol,
		Strategy:    m.Strategy,
		Trigger:     decision.Trigger(m.Trigger),
		State:       m.State,
		Preliminary: ctxData.Preliminary,
		Final:       ctxData.Final,
		Approved:    m.Approved,
		RiskRule:    m.RiskRule,
		RiskReason:  m.RiskReason,
		OrderID:     m.OrderID,
		OrderStatus: m.OrderStatus,
		Quantity:    m.Quantity,
		Price:       m.Price,
		Error:       m.Error,
		StartedAt:   millisToTime(m.StartedAtUnix),
		FinishedAt:  millisToTime(m.FinishedAtUnix),
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Ledger 绑定用户后的账本视图，实现 market.LedgerAccounts。
type Ledger struct {
	store  *GormStore
	userID string
}

var _ market.LedgerAccounts = Ledger{}

func (s *GormStore) Ledger(userID string) Ledger {
	return Ledger{store: s, userID: userID}
}

func (l Ledger) AccountFromLedger(ctx context.Context, symbol string, price float64) (market.AccountState, error) {
	return l.store.AccountFromLedger(ctx, l.userID, symbol, price)
}
