package cluster

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/models"
)

// FaceStrategy groups detected faces into people (min_cluster_size 4,
// min_samples 5, threshold 0.6), writing the result into faces.person_id.
type FaceStrategy struct{}

func (FaceStrategy) Name() string        { return "face" }
func (FaceStrategy) MinClusterSize() int { return 4 }
func (FaceStrategy) MinSamples() int     { return 5 }
func (FaceStrategy) Threshold() float64  { return 0.6 }

// FetchExistingClusters returns every person already recorded for userID.
func (FaceStrategy) FetchExistingClusters(ctx context.Context, tx *gorm.DB, userID int32) ([]ExistingCluster, error) {
	var people []models.Person
	if err := tx.WithContext(ctx).Where("owner_user_id = ?", userID).Find(&people).Error; err != nil {
		return nil, err
	}
	out := make([]ExistingCluster, len(people))
	for i, p := range people {
		out[i] = ExistingCluster{ID: p.ID, Centroid: p.Centroid}
	}
	return out, nil
}

// FetchEmbeddings returns every face belonging to one of userID's media
// items, across every prior clustering round — reclustering considers the
// whole library each run rather than only newly-unassigned faces, so a
// person's membership stays consistent as new photos arrive.
func (FaceStrategy) FetchEmbeddings(ctx context.Context, tx *gorm.DB, userID int32) ([]Embedding, error) {
	var faces []models.Face
	err := tx.WithContext(ctx).
		Joins("JOIN visual_analyses ON visual_analyses.id = faces.visual_analysis_id").
		Joins("JOIN media_items ON media_items.id = visual_analyses.media_item_id").
		Where("media_items.owner_user_id = ?", userID).
		Find(&faces).Error
	if err != nil {
		return nil, err
	}
	out := make([]Embedding, len(faces))
	for i, f := range faces {
		out[i] = Embedding{ItemRef: f.ID, Vector: f.Embedding}
	}
	return out, nil
}

// UpdateCluster writes the matched person's new centroid and thumbnail
// (the media item behind the most recently added face in this round's
// itemRefs) and bumps updated_at.
func (FaceStrategy) UpdateCluster(ctx context.Context, tx *gorm.DB, clusterID uint, centroid models.Vector, itemRefs []uint) error {
	updates := map[string]any{"centroid": centroid, "updated_at": time.Now()}
	if thumb, ok, err := thumbnailMediaItemFor(ctx, tx, itemRefs); err != nil {
		return err
	} else if ok {
		updates["thumbnail_media_item_id"] = thumb
	}
	return tx.WithContext(ctx).Model(&models.Person{}).Where("id = ?", clusterID).
		Updates(updates).Error
}

func (FaceStrategy) InsertCluster(ctx context.Context, tx *gorm.DB, userID int32, centroid models.Vector, itemRefs []uint) (uint, error) {
	person := models.Person{OwnerUserID: userID, Centroid: centroid, UpdatedAt: time.Now()}
	if thumb, ok, err := thumbnailMediaItemFor(ctx, tx, itemRefs); err != nil {
		return 0, err
	} else if ok {
		person.ThumbnailItemID = &thumb
	}
	if err := tx.WithContext(ctx).Create(&person).Error; err != nil {
		return 0, err
	}
	return person.ID, nil
}

// thumbnailMediaItemFor resolves the media item behind the most
// recently added face in itemRefs (face ids), since a person's
// thumbnail is a media item, not a face. Returns ok=false if itemRefs
// is empty.
func thumbnailMediaItemFor(ctx context.Context, tx *gorm.DB, itemRefs []uint) (uint, bool, error) {
	if len(itemRefs) == 0 {
		return 0, false, nil
	}
	faceID := maxUint(itemRefs)
	var mediaItemIDs []uint
	res := tx.WithContext(ctx).Table("faces").
		Joins("JOIN visual_analyses ON visual_analyses.id = faces.visual_analysis_id").
		Where("faces.id = ?", faceID).
		Pluck("visual_analyses.media_item_id", &mediaItemIDs)
	if res.Error != nil {
		return 0, false, fmt.Errorf("cluster: resolving thumbnail media item for face %d: %w", faceID, res.Error)
	}
	if len(mediaItemIDs) == 0 {
		return 0, false, nil
	}
	return mediaItemIDs[0], true, nil
}

// LinkItems assigns every named face (itemRefs are face ids) to
// clusterID.
func (FaceStrategy) LinkItems(ctx context.Context, tx *gorm.DB, clusterID uint, itemRefs []uint) error {
	if len(itemRefs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&models.Face{}).Where("id IN ?", itemRefs).
		Update("person_id", clusterID).Error
}

// DeleteObsolete clears person_id on any face still pointing at
// clusterID, then removes the person row.
func (FaceStrategy) DeleteObsolete(ctx context.Context, tx *gorm.DB, clusterID uint) error {
	if err := tx.WithContext(ctx).Model(&models.Face{}).Where("person_id = ?", clusterID).
		Update("person_id", nil).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Where("id = ?", clusterID).Delete(&models.Person{}).Error
}
