package store

import (
	"fmt"

	"gorm.io/gorm"
)

// EnsureSchema applies the DDL gorm cannot express: the pgvector and
// tsvector columns on chunks plus their indexes. Called after AutoMigrate.
func EnsureSchema(db *gorm.DB, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS unaccent`,
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
		fmt.Sprintf(`ALTER TABLE chunks ADD COLUMN IF NOT EXISTS emb vector(%d)`, dim),
		`ALTER TABLE chunks ADD COLUMN IF NOT EXISTS lex tsvector`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_lex ON chunks USING gin (lex)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_emb ON chunks USING hnsw (emb vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_content_type ON chunks (content_type)`,
	}

	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("schema statement failed (%s): %w", stmt, err)
		}
	}

	return nil
}
