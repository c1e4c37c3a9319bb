// Package audit persists the engine's trail: position lifecycles, risk
// alerts, trade events, exposure snapshots and daily P&L rollups. Writes are
// buffered through a background writer so the trading path never blocks on
// the database.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sportex/tradecore/internal/risk"
	"github.com/sportex/tradecore/internal/trading/model"
)

const writeQueueSize = 1024

// PositionRow mirrors a position's latest state.
type PositionRow struct {
	ID          uint   `gorm:"primaryKey"`
	PositionID  string `gorm:"uniqueIndex;size:36"`
	MarketID    string `gorm:"index;size:64"`
	SelectionID string `gorm:"size:64"`
	Provider    string `gorm:"size:32"`
	Strategy    string `gorm:"size:32"`
	Side        string `gorm:"size:8"`
	Status      string `gorm:"size:20"`
	EntryPrice  string
	EntrySize   string
	CurrentSize string
	ExitPrice   string
	RealizedPnL string
	Commission  string
	OpenedAt    time.Time
	ClosedAt    *time.Time
	UpdatedAt   time.Time
}

func (PositionRow) TableName() string { return "positions" }

// PositionUpdateRow is one change applied to a position.
type PositionUpdateRow struct {
	ID          uint   `gorm:"primaryKey"`
	PositionID  string `gorm:"index;size:36"`
	ChangeType  string `gorm:"size:16"`
	SizeDelta   string
	RealizedPnL string
	Timestamp   time.Time `gorm:"index"`
}

func (PositionUpdateRow) TableName() string { return "position_updates" }

// RiskAlertRow is one raised risk alert.
type RiskAlertRow struct {
	ID        uint   `gorm:"primaryKey"`
	AlertID   string `gorm:"uniqueIndex;size:36"`
	Type      string `gorm:"index;size:32"`
	Severity  string `gorm:"size:16"`
	MarketID  string `gorm:"size:64"`
	Message   string
	Value     string
	Limit     string    `gorm:"column:limit_value"`
	Timestamp time.Time `gorm:"index"`
}

func (RiskAlertRow) TableName() string { return "risk_alerts" }

// TradeEventRow is one entry of the trade-event log.
type TradeEventRow struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   string `gorm:"uniqueIndex;size:36"`
	EventType string `gorm:"index;size:32"`
	OrderID   string `gorm:"size:36"`
	MarketID  string `gorm:"index;size:64"`
	Provider  string `gorm:"size:32"`
	Detail    string
	Timestamp time.Time `gorm:"index"`
}

func (TradeEventRow) TableName() string { return "trade_events" }

// ExposureSnapshotRow is a periodic capture of portfolio exposure.
type ExposureSnapshotRow struct {
	ID            uint `gorm:"primaryKey"`
	TotalExposure string
	MarketCount   int
	OpenPositions int
	Timestamp     time.Time `gorm:"index"`
}

func (ExposureSnapshotRow) TableName() string { return "exposure_snapshots" }

// DailyPnLRow is the end-of-day rollup.
type DailyPnLRow struct {
	ID          uint   `gorm:"primaryKey"`
	Date        string `gorm:"uniqueIndex;size:10"`
	RealizedPnL string
	Commission  string
	TradeCount  int
	UpdatedAt   time.Time
}

func (DailyPnLRow) TableName() string { return "daily_pnl" }

// Store is the write-behind audit store.
type Store struct {
	db  *gorm.DB
	log *zap.Logger

	queue chan any
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if err := db.AutoMigrate(
		&PositionRow{},
		&PositionUpdateRow{},
		&RiskAlertRow{},
		&TradeEventRow{},
		&ExposureSnapshotRow{},
		&DailyPnLRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log,
		queue: make(chan any, writeQueueSize),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Close flushes the queue and stops the writer.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
}

func (s *Store) writer() {
	defer s.wg.Done()
	for row := range s.queue {
		switch r := row.(type) {
		case *PositionRow:
			// Positions are upserted: the row tracks latest state.
			err := s.db.Where("position_id = ?", r.PositionID).
				Assign(r).
				FirstOrCreate(&PositionRow{}).Error
			if err != nil {
				s.log.Error("audit: position write failed", zap.Error(err))
			}
		default:
			if err := s.db.Create(row).Error; err != nil {
				s.log.Error("audit: write failed", zap.Error(err))
			}
		}
	}
}

// enqueue drops the record with a log line when the buffer is full rather
// than blocking the trading path.
func (s *Store) enqueue(row any) {
	select {
	case s.queue <- row:
	default:
		s.log.Warn("audit: write queue full, dropping record")
	}
}

// RecordPositionChange persists the position's latest state and the change
// itself.
func (s *Store) RecordPositionChange(change risk.PositionChange) {
	p := change.Position
	row := &PositionRow{
		PositionID:  p.ID.String(),
		MarketID:    p.MarketID,
		SelectionID: p.SelectionID,
		Provider:    p.Provider,
		Strategy:    p.Strategy,
		Side:        string(p.Side),
		Status:      string(p.Status),
		EntryPrice:  p.EntryPrice.String(),
		EntrySize:   p.EntrySize.String(),
		CurrentSize: p.CurrentSize.String(),
		ExitPrice:   p.ExitPrice.String(),
		RealizedPnL: p.RealizedPnL.String(),
		Commission:  p.Commission.String(),
		OpenedAt:    p.OpenedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if !p.ClosedAt.IsZero() {
		closedAt := p.ClosedAt
		row.ClosedAt = &closedAt
	}
	s.enqueue(row)
	s.enqueue(&PositionUpdateRow{
		PositionID:  p.ID.String(),
		ChangeType:  change.ChangeType,
		SizeDelta:   change.SizeDelta.String(),
		RealizedPnL: change.RealizedPnL.String(),
		Timestamp:   change.Timestamp,
	})
}

// RecordAlert persists a risk alert.
func (s *Store) RecordAlert(alert risk.RiskAlert) {
	s.enqueue(&RiskAlertRow{
		AlertID:   alert.ID.String(),
		Type:      alert.Type,
		Severity:  string(alert.Severity),
		MarketID:  alert.MarketID,
		Message:   alert.Message,
		Value:     alert.Value.String(),
		Limit:     alert.Limit.String(),
		Timestamp: alert.Timestamp,
	})
}

// RecordTradeEvent persists a trade event. The data bag is flattened into a
// single detail string.
func (s *Store) RecordTradeEvent(event model.TradeEvent) {
	detail := ""
	for k, v := range event.Data {
		if detail != "" {
			detail += " "
		}
		detail += k + "=" + v
	}
	s.enqueue(&TradeEventRow{
		EventID:   event.ID.String(),
		EventType: event.Type,
		OrderID:   event.OrderID,
		MarketID:  event.MarketID,
		Provider:  event.Provider,
		Detail:    detail,
		Timestamp: event.Timestamp,
	})
}

// RecordExposureSnapshot captures the portfolio's current exposure.
func (s *Store) RecordExposureSnapshot(totalExposure decimal.Decimal, marketCount, openPositions int) {
	s.enqueue(&ExposureSnapshotRow{
		TotalExposure: totalExposure.String(),
		MarketCount:   marketCount,
		OpenPositions: openPositions,
		Timestamp:     time.Now(),
	})
}

// RecordDailyPnL upserts the day's rollup.
func (s *Store) RecordDailyPnL(date time.Time, realized, commission decimal.Decimal, tradeCount int) {
	day := date.Format("2006-01-02")
	row := DailyPnLRow{
		Date:        day,
		RealizedPnL: realized.String(),
		Commission:  commission.String(),
		TradeCount:  tradeCount,
		UpdatedAt:   time.Now(),
	}
	err := s.db.Where("date = ?", day).Assign(&row).FirstOrCreate(&DailyPnLRow{}).Error
	if err != nil {
		s.log.Error("audit: daily pnl write failed", zap.Error(err))
	}
}

// RecentAlerts returns the latest alerts, newest first.
func (s *Store) RecentAlerts(limit int) ([]RiskAlertRow, error) {
	var rows []RiskAlertRow
	err := s.db.Order("timestamp desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// EventsByType returns the latest trade events of one type, newest first. An
// empty type matches all.
func (s *Store) EventsByType(eventType string, limit int) ([]TradeEventRow, error) {
	q := s.db.Order("timestamp desc").Limit(limit)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	var rows []TradeEventRow
	err := q.Find(&rows).Error
	return rows, err
}

// PositionHistory returns the stored updates of one position, oldest first.
func (s *Store) PositionHistory(positionID string) ([]PositionUpdateRow, error) {
	var rows []PositionUpdateRow
	err := s.db.Where("position_id = ?", positionID).Order("timestamp asc").Find(&rows).Error
	return rows, err
}
