package db

import (
	"fmt"

	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model that makes up the room store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Responder{},
		&models.Room{},
		&models.RoomMessage{},
		&models.Credential{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
