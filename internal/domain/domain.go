package domain

import "github.com/yungbote/catalog-indexer/internal/domain/indexing"

type Action = indexing.Action

const (
	ActionNone   = indexing.ActionNone
	ActionUpsert = indexing.ActionUpsert
	ActionDelete = indexing.ActionDelete
)

const EntityTypeProduct = indexing.EntityTypeProduct

type IndexingRecord = indexing.IndexingRecord
type IndexingFailure = indexing.IndexingFailure
