package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"oems/pkg/model"
	"oems/pkg/queue"
	"oems/pkg/ticket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PrepareForBenchmark resets the database and floods the OMS queue with
// creation requests, for benchmark runs with docker compose
func PrepareForBenchmark() (err error) {

	// 0. Check if prepared

	filePath := "/tmp/oems_bm_prepared_flag"

	_, err = os.Stat(filePath)
	if err == nil || !os.IsNotExist(err) {
		// already prepared, just wait
		select {}
	}

	// 1. Prepare database

	db := model.GetMySQL()

	type TableName struct {
		TableName string `gorm:"column:TABLE_NAME"`
	}
	var tableNames []TableName
	db.Raw("SELECT TABLE_NAME FROM information_schema.tables WHERE table_schema = DATABASE()").Scan(&tableNames)

	for _, t := range tableNames {
		db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS `%s`", t.TableName))
	}

	err = model.Migrate(db)
	if err != nil {
		logger.Debugf("bm prepare failed with err:%s", err)
		return
	}

	// 2. Seed tickets and their creation requests

	q := queue.New(db)
	topic := queue.TopicOMS("OMS_" + fID)

	pairs := [][2]string{
		{"EUR", "USD"},
		{"GBP", "USD"},
		{"USD", "JPY"},
	}

	target := 10_000
	start := time.Now()

	for i := 0; i < target; i++ {
		p := pairs[rand.Intn(len(pairs))]
		amount := decimal.NewFromInt(10_000 + rand.Int63n(1_000_000))

		row := model.Ticket{
			TicketID:      uuid.NewString(),
			InternalState: ticket.StateNew,
			ExternalState: ticket.ExtPending,
			Action:        ticket.ActionExecute,
			Company:       1 + rand.Int63n(100),
			Trader:        1 + rand.Int63n(1000),
			BuyCcy:        p[0],
			SellCcy:       p[1],
			Amount:        amount,
			LockSide:      "buy",
			Tenor:         "spot",
			Strategy:      ticket.StrategyMarket,
		}
		if err = db.Create(&row).Error; err != nil {
			logger.Debugf("bm prepare failed with err:%s", err)
			return
		}

		t := ticket.Wrap(row)
		if _, err = q.Enqueue(topic, t.Export(), queue.ActionCreate, "bm", row.TicketID); err != nil {
			logger.Debugf("bm prepare failed with err:%s", err)
			return
		}
	}

	rate := int64(0)
	if int64(time.Since(start).Seconds()) > 0 {
		rate = int64(target) / int64(time.Since(start).Seconds())
	}
	fmt.Printf(
		"Benchmark: seeded %d tickets onto %s in %s at %s with rate %d/sec\n",
		target, topic, time.Since(start), time.Now().Format(time.RFC3339), rate,
	)

	// 3. Create flag file -- set prepared

	_, err = os.Create(filePath)
	if err != nil {
		logger.Debugf("bm prepare failed with err:%s", err)
		return
	}

	logger.Infof("bm prepared")
	select {}
}
