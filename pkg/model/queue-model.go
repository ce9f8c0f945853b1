package model

// QueueMsg model, one row per durable queue message.
//
// ID is the per-topic ordering key (store-assigned, strictly increasing).
// UID correlates the message to a ticket so that replay can be bounded to
// one ticket. Data carries the ticket's exported field map, Resp an optional
// response payload for request/response style actions.
type QueueMsg struct {
	ID int64 `json:"id" gorm:"omitempty; primaryKey;"`

	Topic  string `json:"topic" gorm:"omitempty; not null; default:''; type:varchar(64); index:idx_topic_status;"`
	Action string `json:"action" gorm:"omitempty; not null; default:''; type:varchar(32);"`
	Source string `json:"source" gorm:"omitempty; not null; default:''; type:varchar(64);"`
	UID    string `json:"uid" gorm:"omitempty; not null; default:''; type:varchar(36); index;"`

	Data GormMap `json:"data" gorm:"omitempty;"`
	Resp GormMap `json:"resp" gorm:"omitempty;"`

	Model
}

func (QueueMsg) TableName() string {
	return "queue_msgs"
}

// QueueMsg.Status values. Pending messages are visible to Dequeue, responded
// ones stay only for the originator to collect.
const (
	QueueStatusPending   int8 = 1
	QueueStatusResponded int8 = 2
)
