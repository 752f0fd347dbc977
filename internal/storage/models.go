package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerStatus tracks a reading's submission to the distributed ledger.
type LedgerStatus string

const (
	StatusPending LedgerStatus = "pending"
	StatusSent    LedgerStatus = "sent"
	StatusFailed  LedgerStatus = "failed"
)

// Device is a provisioned energy-producing unit.
type Device struct {
	ID            uuid.UUID
	Name          string
	Secret        string
	UserID        *string
	Location      json.RawMessage
	Active        bool
	LedgerEnabled bool
	CreatedAt     time.Time
	LastSeenAt    *time.Time
}

// Reading is one signed generation report.
type Reading struct {
	ID              uuid.UUID
	DeviceID        uuid.UUID
	DeviceTimestamp time.Time
	EnergyKWh       decimal.Decimal
	VoltageV        *decimal.Decimal
	CurrentA        *decimal.Decimal
	FrequencyHz     *decimal.Decimal
	RawPayload      json.RawMessage
	Signature       string
	Status          LedgerStatus
	LedgerRef       *string
	LedgerError     *string
	Attempts        int
	LastAttemptAt   *time.Time
	CreatedAt       time.Time
}

// Sale is an aggregate sale of pooled energy for one settlement period.
type Sale struct {
	ID           int64
	KWhSold      decimal.Decimal
	RevenueMinor int64
	FeeBps       int
	Finalized    bool
	CreatedAt    time.Time
	FinalizedAt  *time.Time
}

// UserClaim records energy a user burned against a sale.
type UserClaim struct {
	UserID    string
	SaleID    int64
	BurnedKWh decimal.Decimal
	Claimed   bool
	ClaimedAt *time.Time
	CreatedAt time.Time
}
