package dbhelper

import (
	"log"

	"tryonapi/models"

	"gorm.io/gorm"
)

func SetupCleaner(db *gorm.DB) func() {
	return func() {
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.TryOnResult{})
	}
}

func Migrate(db *gorm.DB, model interface{}) error {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Printf("Error while migrating %T: %v", model, err)
	}
	return err
}
