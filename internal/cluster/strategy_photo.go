package cluster

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/models"
)

// PhotoStrategy groups whole-image embeddings into theme clusters
// (min_cluster_size 3, min_samples 4, threshold 0.6), writing membership
// into the photo_cluster_members join table.
type PhotoStrategy struct{}

func (PhotoStrategy) Name() string        { return "photo" }
func (PhotoStrategy) MinClusterSize() int { return 3 }
func (PhotoStrategy) MinSamples() int     { return 4 }
func (PhotoStrategy) Threshold() float64  { return 0.6 }

func (PhotoStrategy) FetchExistingClusters(ctx context.Context, tx *gorm.DB, userID int32) ([]ExistingCluster, error) {
	var clusters []models.PhotoCluster
	if err := tx.WithContext(ctx).Where("owner_user_id = ?", userID).Find(&clusters).Error; err != nil {
		return nil, err
	}
	out := make([]ExistingCluster, len(clusters))
	for i, c := range clusters {
		out[i] = ExistingCluster{ID: c.ID, Centroid: c.Centroid}
	}
	return out, nil
}

// FetchEmbeddings returns one whole-frame embedding per media item: the
// video_percent=0 analysis row, which is the only row a still produces and
// the representative first-sampled frame for a video.
func (PhotoStrategy) FetchEmbeddings(ctx context.Context, tx *gorm.DB, userID int32) ([]Embedding, error) {
	var analyses []models.VisualAnalysis
	err := tx.WithContext(ctx).
		Joins("JOIN media_items ON media_items.id = visual_analyses.media_item_id").
		Where("media_items.owner_user_id = ? AND visual_analyses.video_percent = 0", userID).
		Find(&analyses).Error
	if err != nil {
		return nil, err
	}
	out := make([]Embedding, len(analyses))
	for i, a := range analyses {
		out[i] = Embedding{ItemRef: a.MediaItemID, Vector: a.Embedding}
	}
	return out, nil
}

// UpdateCluster writes the matched cluster's new centroid and thumbnail
// (the most recently added member of this round's itemRefs) and bumps
// updated_at.
func (PhotoStrategy) UpdateCluster(ctx context.Context, tx *gorm.DB, clusterID uint, centroid models.Vector, itemRefs []uint) error {
	updates := map[string]any{"centroid": centroid, "updated_at": time.Now()}
	if len(itemRefs) > 0 {
		thumb := maxUint(itemRefs)
		updates["thumbnail_media_item_id"] = thumb
	}
	return tx.WithContext(ctx).Model(&models.PhotoCluster{}).Where("id = ?", clusterID).
		Updates(updates).Error
}

func (PhotoStrategy) InsertCluster(ctx context.Context, tx *gorm.DB, userID int32, centroid models.Vector, itemRefs []uint) (uint, error) {
	cluster := models.PhotoCluster{OwnerUserID: userID, Centroid: centroid, UpdatedAt: time.Now()}
	if len(itemRefs) > 0 {
		thumb := maxUint(itemRefs)
		cluster.ThumbnailItemID = &thumb
	}
	if err := tx.WithContext(ctx).Create(&cluster).Error; err != nil {
		return 0, err
	}
	return cluster.ID, nil
}

// LinkItems replaces each named media item's (itemRefs are media item
// ids) membership with clusterID: a photo belongs to at most one active
// theme cluster at a time.
func (PhotoStrategy) LinkItems(ctx context.Context, tx *gorm.DB, clusterID uint, itemRefs []uint) error {
	if len(itemRefs) == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Where("media_item_id IN ?", itemRefs).
		Delete(&models.PhotoClusterMember{}).Error; err != nil {
		return err
	}
	members := make([]models.PhotoClusterMember, len(itemRefs))
	for i, ref := range itemRefs {
		members[i] = models.PhotoClusterMember{PhotoClusterID: clusterID, MediaItemID: ref}
	}
	return tx.WithContext(ctx).Create(&members).Error
}

// DeleteObsolete removes every membership row for clusterID, then the
// cluster itself.
func (PhotoStrategy) DeleteObsolete(ctx context.Context, tx *gorm.DB, clusterID uint) error {
	if err := tx.WithContext(ctx).Where("photo_cluster_id = ?", clusterID).
		Delete(&models.PhotoClusterMember{}).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Where("id = ?", clusterID).Delete(&models.PhotoCluster{}).Error
}
