package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Transfer struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"senderId"`
	ReceiverID  string          `json:"receiverId"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"createdAt"`
	PublishedAt *time.Time      `json:"-"`
}
