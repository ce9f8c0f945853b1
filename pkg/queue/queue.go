// Package queue is a durable message queue built on the queue_msgs table.
//
// Messages on one topic are strictly ordered by the store-assigned id.
// Dequeue is a non-destructive batched read, acknowledgement is an explicit
// DelQueue after the consumer has applied the message. Idempotency across
// restarts comes from Replay being bounded by a per-ticket watermark, not
// from any dedup inside the queue itself.
package queue

import (
	"oems/pkg/model"
	"oems/pkg/xlog"

	"gorm.io/gorm"
)

var logger = xlog.GetLogger()

type Queue struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Actions carried by queue messages. Handlers for further actions can be
// registered on the consuming engine's dispatch table.
const (
	ActionCreate       = "CREATE"
	ActionUpdate       = "UPDATE"
	ActionCancel       = "CANCEL"
	ActionAccept       = "ACCEPT"
	ActionCancelReject = "CANCELREJECT"
)

// Topic naming. One instance-specific topic per engine process plus one
// class-wide topic per venue class that any EMS of that class may drain.
func TopicEMS(id string) string {
	return "ems_" + id
}

func TopicEMSClass(venue string) string {
	return "emsc_" + venue
}

func TopicOMS(id string) string {
	return "oms_" + id
}

// Enqueue appends a message and returns the store-assigned id. Safe for
// concurrent producers, ordering relies on the store's atomic insert.
func (q *Queue) Enqueue(topic string, data model.GormMap, action, source, uid string) (id int64, err error) {
	defer func() {
		if err != nil {
			logger.Errorf("Enqueue topic:%s action:%s uid:%s failed with err:%s", topic, action, uid, err)
		}
	}()

	msg := model.QueueMsg{
		Topic:  topic,
		Action: action,
		Source: source,
		UID:    uid,
		Data:   data,
	}
	msg.Status = model.QueueStatusPending

	err = q.db.Create(&msg).Error
	if err != nil {
		return
	}

	id = msg.ID
	return
}

// Dequeue returns up to n oldest pending messages for the topic, ordered by
// id ascending. Messages are not deleted, the consumer acknowledges each one
// with DelQueue after applying it.
func (q *Queue) Dequeue(topic string, n int) (msgs []model.QueueMsg, err error) {
	defer func() {
		if err != nil {
			logger.Errorf("Dequeue topic:%s failed with err:%s", topic, err)
		}
	}()

	err = q.db.Model(model.QueueMsg{}).
		Where("topic = ? AND status = ?", topic, model.QueueStatusPending).
		Order("id asc").Limit(n).Find(&msgs).Error
	return
}

// Replay returns the topic's messages for one ticket with id greater than
// after, ordered ascending. Used on restart to catch a ticket up without
// reprocessing messages it already applied.
func (q *Queue) Replay(topic string, after int64, uid string) (msgs []model.QueueMsg, err error) {
	defer func() {
		if err != nil {
			logger.Errorf("Replay topic:%s after:%d uid:%s failed with err:%s", topic, after, uid, err)
		}
	}()

	err = q.db.Model(model.QueueMsg{}).
		Where("topic = ? AND uid = ? AND id > ?", topic, uid, after).
		Order("id asc").Find(&msgs).Error
	return
}

// DelQueue deletes a message after successful application.
func (q *Queue) DelQueue(id int64) (err error) {
	defer func() {
		if err != nil {
			logger.Errorf("DelQueue id:%d failed with err:%s", id, err)
		}
	}()

	err = q.db.Where("id = ?", id).Delete(&model.QueueMsg{}).Error
	return
}

// RespQueue records a response payload against a message without deleting it
// and takes it out of the pending set, so the originator can collect the
// disposition of a request/response action such as CANCEL.
func (q *Queue) RespQueue(id int64, resp model.GormMap) (err error) {
	defer func() {
		if err != nil {
			logger.Errorf("RespQueue id:%d failed with err:%s", id, err)
		}
	}()

	err = q.db.Model(model.QueueMsg{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"resp":   resp,
			"status": model.QueueStatusResponded,
		}).Error
	return
}

// Get reads one message by id, pending or responded.
func (q *Queue) Get(id int64) (msg model.QueueMsg, err error) {
	err = q.db.Model(model.QueueMsg{}).Where("id = ?", id).Limit(1).Find(&msg).Error
	return
}
