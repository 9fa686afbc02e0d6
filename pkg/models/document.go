// Package models contains domain models for courant.
package models

// TrustTier classifies how much independent weight a source carries
// during event corroboration.
type TrustTier string

// Trust tier constants. Tier A sources can satisfy the high-trust
// corroboration requirement on their own.
const (
	TrustTierA TrustTier = "A"
	TrustTierB TrustTier = "B"
	TrustTierC TrustTier = "C"
)

// HighTrust reports whether the tier satisfies the high-trust gate.
func (t TrustTier) HighTrust() bool {
	return t == TrustTierA
}

// SourceScope describes the geographic reach of a source.
type SourceScope string

// Source scope constants.
const (
	ScopeLocal         SourceScope = "local"
	ScopeRegional      SourceScope = "regional"
	ScopeNational      SourceScope = "national"
	ScopeInternational SourceScope = "international"
)

// Source identifies where a document came from.
type Source struct {
	ID        int64       `db:"id" json:"id"`
	Name      string      `db:"name" json:"name"`
	TrustTier TrustTier   `db:"trust_tier" json:"trust_tier"`
	Scope     SourceScope `db:"scope" json:"scope"`
	AreaID    int64       `db:"area_id" json:"area_id"`
}

// Document is a normalized, deduplicated input item. Upstream ingestion
// delivers it already embedded in the active run's space.
type Document struct {
	ID             int64     `db:"id" json:"id"`
	SourceID       int64     `db:"source_id" json:"source_id"`
	Embedding      []float32 `db:"-" json:"-"`
	PublishedAt    string    `db:"published_at" json:"published_at"`
	PublishedEpoch int64     `db:"published_at_epoch" json:"published_at_epoch"`
	AreaID         int64     `db:"area_id" json:"area_id"` // 0 when untagged
}
