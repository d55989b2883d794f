package app

import (
	"gorm.io/gorm"

	indexrepo "github.com/yungbote/catalog-indexer/internal/data/repos/indexing"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

type Repos struct {
	IndexingRecord  indexrepo.IndexingRecordRepo
	IndexingFailure indexrepo.IndexingFailureRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		IndexingRecord:  indexrepo.NewIndexingRecordRepo(db, log),
		IndexingFailure: indexrepo.NewIndexingFailureRepo(db, log),
	}
}
