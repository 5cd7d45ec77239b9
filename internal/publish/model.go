package publish

import "github.com/barrageforge/barrage/internal/resource"

// PublishedDefinition is one published, revision-free content record.
type PublishedDefinition struct {
	Key                int64         `gorm:"column:key;primaryKey;autoIncrement"`
	ResourceID         string        `gorm:"column:resource_id;uniqueIndex;size:36;not null"`
	OwnerID            string        `gorm:"column:owner_id;size:190;not null;index"`
	Kind               resource.Kind `gorm:"column:kind;size:32;not null"`
	Name               string        `gorm:"column:name;size:190;not null"`
	Description        string        `gorm:"column:description;type:text;not null;default:''"`
	BlobHandle         string        `gorm:"column:blob_handle;size:64;not null"`
	DetailJSON         string        `gorm:"column:detail_json;type:text;not null"`
	PublishedAtSeconds int64         `gorm:"column:published_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PublishedDefinition) TableName() string {
	return "published_definitions"
}

// DependencyEdge records that a published resource depends on another.
// Edges are written only at publish time and never mutated; the download
// path walks them to resolve the dependency closure.
type DependencyEdge struct {
	EdgeID           int64  `gorm:"column:edge_id;primaryKey;autoIncrement"`
	ResourceKey      int64  `gorm:"column:resource_key;not null;index"`
	ResourceID       string `gorm:"column:resource_id;size:36;not null;index"`
	DependsOnKey     int64  `gorm:"column:depends_on_key;not null"`
	DependsOnID      string `gorm:"column:depends_on_id;size:36;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DependencyEdge) TableName() string {
	return "dependency_edges"
}
