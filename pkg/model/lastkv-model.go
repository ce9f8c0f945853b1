package model

// Lastkv model
//
// Used to record small per-process cursors that have no natural home on the
// ticket row. For example the OMS round-robin assignment cursor per venue
// class, which must survive a restart so reassignment keeps rotating instead
// of always starting at the first EMS in the pool.
type Lastkv struct {
	ID int64 `json:"id" gorm:"omitempty; primaryKey;"`

	App string `json:"app" gorm:"omitempty; not null; default:''; type:varchar(64); uniqueindex:idx_app_key;"` // e.g. oms_1
	Key string `json:"key" gorm:"omitempty; not null; default:''; type:varchar(64); uniqueindex:idx_app_key;"` // e.g. assign_cursor_generic
	Val int64  `json:"val" gorm:"omitempty; not null; default:0;"`

	Model
}

const (
	LASTKV_K_ASSIGN_CURSOR = "assign_cursor_" // this+venue class
)
