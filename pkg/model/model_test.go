package model_test

import (
	"path/filepath"
	"testing"
	"time"

	"oems/pkg/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.Nil(t, err)
	return db
}

func TestMigrate(t *testing.T) {
	db := testDB(t)
	require.Nil(t, model.Migrate(db))

	for _, table := range []string{"tickets", "queue_msgs", "lastkvs"} {
		require.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestGormMapRoundTrip(t *testing.T) {
	db := testDB(t)
	require.Nil(t, model.Migrate(db))

	msg := model.QueueMsg{
		Topic:  "t",
		Action: "CREATE",
		UID:    "uid-1",
		Data:   model.GormMap{"amount": "100.5", "company": float64(7)},
	}
	msg.Status = model.QueueStatusPending
	require.Nil(t, db.Create(&msg).Error)

	var got model.QueueMsg
	require.Nil(t, db.Model(model.QueueMsg{}).Where("id = ?", msg.ID).First(&got).Error)
	require.Equal(t, "100.5", got.Data["amount"])
	require.Equal(t, float64(7), got.Data["company"])
}

func TestGormTimeRoundTrip(t *testing.T) {
	db := testDB(t)
	require.Nil(t, model.Migrate(db))

	vd := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	row := model.Ticket{TicketID: "uid-1", ValueDate: model.GormTime(vd)}
	require.Nil(t, db.Create(&row).Error)

	var got model.Ticket
	require.Nil(t, db.Model(model.Ticket{}).Where("ticket_id = ?", "uid-1").First(&got).Error)
	require.Equal(t, vd.Format("2006-01-02 15:04:05"), got.ValueDate.Time().Format("2006-01-02 15:04:05"))

	// a zero time survives the NO_ZERO_DATE sentinel in both directions
	require.True(t, got.EndTime.Time().IsZero())
	require.True(t, got.QuoteExpiry.Time().IsZero())
}
