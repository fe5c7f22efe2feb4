package model

import "time"

// CircuitState is the durable snapshot of one service's breaker,
// written on every transition and loaded at startup so a restart does
// not forget an open circuit.
type CircuitState struct {
	Service     string     `gorm:"type:varchar(60);primaryKey" json:"service"`
	State       string     `gorm:"type:varchar(20)" json:"state"`
	Failures    int        `json:"failures"`
	OpenedUntil *time.Time `json:"opened_until"`
	ChangedAt   time.Time  `json:"changed_at"`
}

func (c *CircuitState) TableName() string {
	return "circuit_breaker_states"
}
