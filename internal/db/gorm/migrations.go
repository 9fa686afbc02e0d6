package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB, dims int) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Sources and documents
		{
			ID: "001_sources_documents",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Source{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Document{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sources", "documents")
			},
		},

		// Migration 002: Embedding spaces and cluster runs
		{
			ID: "002_spaces_runs",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&EmbeddingSpace{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ClusterRun{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("embedding_spaces", "cluster_runs")
			},
		},

		// Migration 003: Clusters and assignments
		{
			ID: "003_clusters_assignments",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Cluster{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Assignment{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("clusters", "assignments")
			},
		},

		// Migration 004: sqlite-vec table for document embeddings.
		// Cosine metric so distance maps directly to 1 - similarity.
		{
			ID: "004_document_vectors",
			Migrate: func(tx *gorm.DB) error {
				stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS document_vectors USING vec0(
					doc_key TEXT PRIMARY KEY,
					embedding float[%d] distance_metric=cosine,
					document_id INTEGER,
					space_id INTEGER,
					published_at_epoch INTEGER
				)`, dims)
				return tx.Exec(stmt).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP TABLE IF EXISTS document_vectors").Error
			},
		},

		// Migration 005: Trend samples
		{
			ID: "005_trend_samples",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&TrendSample{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("trend_samples")
			},
		},

		// Migration 006: Events
		{
			ID: "006_events",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Event{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("events")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
