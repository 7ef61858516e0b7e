package store

import (
	"time"

	"gorm.io/datatypes"
)

// EnergyDocument is one stored document. Aggregated values live in the
// jsonb Data column keyed by RTU id.
type EnergyDocument struct {
	CreatedAt  time.Time         `gorm:"autoCreateTime"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime"`
	Data       datatypes.JSONMap `gorm:"type:jsonb;not null"`
	Collection string            `gorm:"primaryKey;size:32"`
	DocID      string            `gorm:"primaryKey;size:32"`
}

// TableName specifies the table name for EnergyDocument model.
func (EnergyDocument) TableName() string {
	return "energy_documents"
}
