package model

import (
	"github.com/shopspring/decimal"
)

// Ticket model, one row per FX trade request moving through the engine.
//
// InternalState drives the OMS/EMS state machine, ExternalState is the
// customer-facing projection of it. EMSOwner/OMSOwner implement the
// single-owner discipline: only the process named in EMSOwner may mutate an
// actively executing ticket. LastMessageID is the replay watermark, the
// highest queue message id already applied to this ticket.
type Ticket struct {
	ID int64 `json:"id" gorm:"omitempty; primaryKey;"`

	TicketID string `json:"ticketID" gorm:"omitempty; not null; default:''; type:varchar(36); uniqueindex;"` // external uuid

	InternalState string `json:"internalState" gorm:"omitempty; not null; default:''; type:varchar(24); index;"`
	ExternalState string `json:"externalState" gorm:"omitempty; not null; default:''; type:varchar(24);"`
	Phase         string `json:"phase" gorm:"omitempty; not null; default:''; type:varchar(24);"`
	Action        string `json:"action" gorm:"omitempty; not null; default:''; type:varchar(16);"` // rfq or execute

	EMSOwner      string `json:"emsOwner" gorm:"omitempty; not null; default:''; type:varchar(64); index;"`
	OMSOwner      string `json:"omsOwner" gorm:"omitempty; not null; default:''; type:varchar(64);"`
	LastMessageID int64  `json:"lastMessageID" gorm:"omitempty; not null; default:0;"`

	Company int64  `json:"company" gorm:"omitempty; not null; default:0; index;"`
	Trader  int64  `json:"trader" gorm:"omitempty; not null; default:0;"`
	BuyCcy  string `json:"buyCcy" gorm:"omitempty; not null; default:''; type:varchar(8);"`
	SellCcy string `json:"sellCcy" gorm:"omitempty; not null; default:''; type:varchar(8);"`

	Amount   decimal.Decimal `json:"amount" gorm:"omitempty; not null; default:0; type:decimal(36,18);"`
	LockSide string          `json:"lockSide" gorm:"omitempty; not null; default:''; type:varchar(8);"` // buy or sell

	ValueDate GormTime `json:"valueDate" gorm:"omitempty;"`
	Tenor     string   `json:"tenor" gorm:"omitempty; not null; default:''; type:varchar(8);"` // spot, fwd
	Strategy  string   `json:"strategy" gorm:"omitempty; not null; default:''; type:varchar(16);"`
	RFQType   string   `json:"rfqType" gorm:"omitempty; not null; default:''; type:varchar(16);"`
	Venue     string   `json:"venue" gorm:"omitempty; not null; default:''; type:varchar(32);"`

	Rate      decimal.Decimal `json:"rate" gorm:"omitempty; not null; default:0; type:decimal(36,18);"`
	SpotRate  decimal.Decimal `json:"spotRate" gorm:"omitempty; not null; default:0; type:decimal(36,18);"`
	FwdPoints decimal.Decimal `json:"fwdPoints" gorm:"omitempty; not null; default:0; type:decimal(36,18);"`

	QuoteID     string   `json:"quoteID" gorm:"omitempty; not null; default:''; type:varchar(64);"`
	QuoteExpiry GormTime `json:"quoteExpiry" gorm:"omitempty;"`
	EndTime     GormTime `json:"endTime" gorm:"omitempty;"`

	CashflowID int64 `json:"cashflowID" gorm:"omitempty; not null; default:0;"`

	Model
}

func (Ticket) TableName() string {
	return "tickets"
}
