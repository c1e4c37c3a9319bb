package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sportex/tradecore/internal/risk"
	"github.com/sportex/tradecore/internal/trading/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func samplePosition(id uuid.UUID, status risk.PositionStatus) *risk.Position {
	return &risk.Position{
		ID:          id,
		MarketID:    "1.1",
		SelectionID: "sel-a",
		Provider:    "paper",
		Strategy:    "AGGRESSIVE",
		Side:        risk.PositionLong,
		Status:      status,
		CurrentSize: dec("10"),
		EntrySize:   dec("10"),
		EntryPrice:  dec("2.1"),
		RealizedPnL: decimal.Zero,
		OpenedAt:    time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestPositionRowUpserted(t *testing.T) {
	store := openTestStore(t)
	positionID := uuid.New()

	opened := samplePosition(positionID, risk.PositionOpen)
	store.RecordPositionChange(risk.PositionChange{
		Position:   opened,
		ChangeType: "opened",
		SizeDelta:  dec("10"),
		Timestamp:  time.Now(),
	})

	closed := samplePosition(positionID, risk.PositionClosed)
	closed.CurrentSize = decimal.Zero
	closed.ExitPrice = dec("1.8")
	closed.RealizedPnL = dec("-3")
	closed.ClosedAt = time.Now()
	store.RecordPositionChange(risk.PositionChange{
		Position:    closed,
		ChangeType:  "closed",
		SizeDelta:   dec("-10"),
		RealizedPnL: dec("-3"),
		Timestamp:   time.Now().Add(time.Millisecond),
	})

	// Close flushes the write queue; the db handle stays readable.
	store.Close()

	var rows []PositionRow
	require.NoError(t, store.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, positionID.String(), rows[0].PositionID)
	assert.Equal(t, string(risk.PositionClosed), rows[0].Status)
	assert.Equal(t, "-3", rows[0].RealizedPnL)
	require.NotNil(t, rows[0].ClosedAt)

	history, err := store.PositionHistory(positionID.String())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "opened", history[0].ChangeType)
	assert.Equal(t, "closed", history[1].ChangeType)
}

func TestRecentAlertsNewestFirst(t *testing.T) {
	store := openTestStore(t)

	base := time.Now()
	for i, severity := range []risk.AlertSeverity{risk.SeverityWarning, risk.SeverityCritical} {
		store.RecordAlert(risk.RiskAlert{
			ID:        uuid.New(),
			Type:      risk.AlertLimitBreach,
			Severity:  severity,
			Message:   "exposure over limit",
			Value:     dec("210"),
			Limit:     dec("200"),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	store.Close()

	alerts, err := store.RecentAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, string(risk.SeverityCritical), alerts[0].Severity)

	one, err := store.RecentAlerts(1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestEventsByType(t *testing.T) {
	store := openTestStore(t)

	for _, eventType := range []string{model.EventTradeExecuted, model.EventTradeRejected, model.EventTradeExecuted} {
		event := model.NewTradeEvent(eventType, map[string]string{"size": "10"})
		event.MarketID = "1.1"
		store.RecordTradeEvent(event)
	}
	store.Close()

	executed, err := store.EventsByType(model.EventTradeExecuted, 10)
	require.NoError(t, err)
	assert.Len(t, executed, 2)
	assert.Contains(t, executed[0].Detail, "size=10")

	all, err := store.EventsByType("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDailyPnLUpsert(t *testing.T) {
	store := openTestStore(t)
	day := time.Date(2026, 8, 23, 18, 0, 0, 0, time.UTC)

	store.RecordDailyPnL(day, dec("12.5"), dec("0.4"), 3)
	store.RecordDailyPnL(day, dec("9.1"), dec("0.6"), 5)
	store.Close()

	var rows []DailyPnLRow
	require.NoError(t, store.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-08-23", rows[0].Date)
	assert.Equal(t, "9.1", rows[0].RealizedPnL)
	assert.Equal(t, 5, rows[0].TradeCount)
}

func TestExposureSnapshot(t *testing.T) {
	store := openTestStore(t)

	store.RecordExposureSnapshot(dec("120"), 2, 4)
	store.Close()

	var rows []ExposureSnapshotRow
	require.NoError(t, store.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "120", rows[0].TotalExposure)
	assert.Equal(t, 4, rows[0].OpenPositions)
}

func TestCloseIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	store.Close()
	assert.NotPanics(t, store.Close)
}
