package db

import (
	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/catalog"
	types "github.com/yungbote/catalog-indexer/internal/domain"
)

// AutoMigrateAll migrates the sync state tables owned by this service.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.IndexingRecord{},
		&types.IndexingFailure{},
	)
}

// AutoMigrateCatalog creates the catalog mirror table. Only used when the catalog lives in the
// same database (local development and tests); production points at the system of record.
func AutoMigrateCatalog(db *gorm.DB) error {
	return db.AutoMigrate(&catalog.Product{})
}
