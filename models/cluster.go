package models

import "time"

// Person is a face cluster: a grouping of Face rows believed to depict the
// same individual, scoped to one user's library.
type Person struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerUserID   int32     `gorm:"column:owner_user_id;not null;index" json:"owner_user_id"`
	Name          *string   `gorm:"column:name" json:"name,omitempty"`
	Centroid      Vector    `gorm:"type:text;not null" json:"centroid"`
	ThumbnailItemID *uint   `gorm:"column:thumbnail_media_item_id" json:"thumbnail_media_item_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedAt     time.Time `json:"created_at"`

	Faces []Face `gorm:"foreignKey:PersonID;constraint:OnDelete:SET NULL" json:"faces,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Person) TableName() string {
	return "people"
}

// PhotoCluster is a theme cluster over whole-image embeddings, scoped to
// one user's library.
type PhotoCluster struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerUserID     int32     `gorm:"column:owner_user_id;not null;index" json:"owner_user_id"`
	Title           *string   `gorm:"column:title" json:"title,omitempty"`
	Centroid        Vector    `gorm:"type:text;not null" json:"centroid"`
	ThumbnailItemID *uint     `gorm:"column:thumbnail_media_item_id" json:"thumbnail_media_item_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (PhotoCluster) TableName() string {
	return "photo_clusters"
}

// PhotoClusterMember is the join table linking media items to the photo
// clusters they belong to (a media item may appear in at most one active
// cluster at a time, but the join table leaves room for history).
type PhotoClusterMember struct {
	PhotoClusterID uint `gorm:"primaryKey;column:photo_cluster_id" json:"photo_cluster_id"`
	MediaItemID    uint `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
}

// TableName explicitly sets the table name for GORM.
func (PhotoClusterMember) TableName() string {
	return "photo_cluster_members"
}
