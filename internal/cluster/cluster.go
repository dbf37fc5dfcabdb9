// Package cluster implements the Cluster Engine (spec §4.7): a generic
// reconciliation routine, parameterized by a Strategy, that reclusters a
// user's embeddings with internal/cluster/hdbscan and reconciles the
// result against previously-persisted clusters — matching, updating,
// inserting, and retiring rows as the underlying embeddings drift.
package cluster

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/internal/cluster/hdbscan"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/pipelineerr"
	"github.com/camden-git/photopipeline/models"
)

// ExistingCluster is one previously-persisted cluster's id and centroid.
type ExistingCluster struct {
	ID       uint
	Centroid models.Vector
}

// Embedding is one clusterable item: a store-level reference (a face id
// or a media item id, depending on Strategy) paired with its embedding.
type Embedding struct {
	ItemRef uint
	Vector  models.Vector
}

// Strategy adapts the generic reconciliation in Engine to one concrete
// clustering domain. Go generics stand in for the associated-type pattern
// used to share this routine between faces and photos.
type Strategy interface {
	// Name identifies the strategy in logs and error messages.
	Name() string
	MinClusterSize() int
	MinSamples() int
	Threshold() float64

	FetchExistingClusters(ctx context.Context, tx *gorm.DB, userID int32) ([]ExistingCluster, error)
	FetchEmbeddings(ctx context.Context, tx *gorm.DB, userID int32) ([]Embedding, error)
	// UpdateCluster and InsertCluster receive the round's full itemRefs
	// list so they can pick a thumbnail for the cluster; both set
	// ThumbnailItemID as part of the same write.
	UpdateCluster(ctx context.Context, tx *gorm.DB, clusterID uint, centroid models.Vector, itemRefs []uint) error
	InsertCluster(ctx context.Context, tx *gorm.DB, userID int32, centroid models.Vector, itemRefs []uint) (uint, error)
	LinkItems(ctx context.Context, tx *gorm.DB, clusterID uint, itemRefs []uint) error
	// DeleteObsolete removes a cluster that matched nothing this round,
	// clearing any foreign references to it first.
	DeleteObsolete(ctx context.Context, tx *gorm.DB, clusterID uint) error
}

// Engine reconciles HDBSCAN output with a user's existing clusters, per
// Strategy S.
type Engine[S Strategy] struct {
	db       *gorm.DB
	strategy S
}

// New returns an Engine bound to strategy.
func New[S Strategy](db *gorm.DB, strategy S) *Engine[S] {
	return &Engine[S]{db: db, strategy: strategy}
}

// Reconcile runs one full clustering pass for userID inside a single
// transaction: fetch embeddings, run HDBSCAN, match the resulting
// clusters against existing ones, update/insert/delete accordingly, and
// relink every clustered item. If there are fewer embeddings than
// MinClusterSize, it is a no-op.
func (e *Engine[S]) Reconcile(ctx context.Context, userID int32) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		embeddings, err := e.strategy.FetchEmbeddings(ctx, tx, userID)
		if err != nil {
			return pipelineerr.Transient(fmt.Sprintf("%s: fetching embeddings", e.strategy.Name()), err)
		}
		if len(embeddings) < e.strategy.MinClusterSize() {
			return nil
		}

		existing, err := e.strategy.FetchExistingClusters(ctx, tx, userID)
		if err != nil {
			return pipelineerr.Transient(fmt.Sprintf("%s: fetching existing clusters", e.strategy.Name()), err)
		}

		points := make([][]float64, len(embeddings))
		for i, em := range embeddings {
			points[i] = vectorToFloat64(em.Vector)
		}

		result := hdbscan.Run(points, hdbscan.Config{
			MinClusterSize: e.strategy.MinClusterSize(),
			MinSamples:     e.strategy.MinSamples(),
		})

		newClusters := make(map[int][]uint)
		for i, label := range result.Labels {
			if label == hdbscan.NoiseLabel {
				continue
			}
			newClusters[label] = append(newClusters[label], embeddings[i].ItemRef)
		}

		labelToExisting := matchClusters(result.Centroids, existing, e.strategy.Threshold())
		matchedExisting := make(map[uint]bool, len(labelToExisting))

		for label, itemRefs := range newClusters {
			centroid := floatsToVector(result.Centroids[label])

			var clusterID uint
			if existingID, ok := labelToExisting[label]; ok {
				if err := e.strategy.UpdateCluster(ctx, tx, existingID, centroid, itemRefs); err != nil {
					return pipelineerr.Transient(fmt.Sprintf("%s: updating cluster %d", e.strategy.Name(), existingID), err)
				}
				clusterID = existingID
				matchedExisting[existingID] = true
			} else {
				clusterID, err = e.strategy.InsertCluster(ctx, tx, userID, centroid, itemRefs)
				if err != nil {
					return pipelineerr.Transient(fmt.Sprintf("%s: inserting cluster", e.strategy.Name()), err)
				}
			}

			if err := e.strategy.LinkItems(ctx, tx, clusterID, itemRefs); err != nil {
				return pipelineerr.Transient(fmt.Sprintf("%s: linking items to cluster %d", e.strategy.Name(), clusterID), err)
			}
		}

		obsolete := 0
		for _, ex := range existing {
			if matchedExisting[ex.ID] {
				continue
			}
			if err := e.strategy.DeleteObsolete(ctx, tx, ex.ID); err != nil {
				return pipelineerr.Transient(fmt.Sprintf("%s: deleting obsolete cluster %d", e.strategy.Name(), ex.ID), err)
			}
			obsolete++
		}

		logging.L.Info().Str("strategy", e.strategy.Name()).Int32("user_id", userID).
			Int("clusters", len(newClusters)).Int("obsolete", obsolete).
			Msg("cluster: reconciled")
		return nil
	})
}

// matchClusters greedily pairs each new label's centroid with the nearest
// existing cluster within threshold, consuming candidate pairs in
// ascending distance order; each existing cluster matches at most one new
// label, and ties are broken by whichever pair sorts first (lowest
// distance).
func matchClusters(centroids map[int][]float64, existing []ExistingCluster, threshold float64) map[int]uint {
	type candidate struct {
		label      int
		existingID uint
		dist       float64
	}

	candidates := make([]candidate, 0, len(centroids)*len(existing))
	for label, centroid := range centroids {
		v := floatsToVector(centroid)
		for _, ex := range existing {
			d := v.L2Distance(ex.Centroid)
			if d <= threshold {
				candidates = append(candidates, candidate{label: label, existingID: ex.ID, dist: d})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

	matched := make(map[int]uint, len(candidates))
	usedExisting := make(map[uint]bool, len(existing))
	for _, c := range candidates {
		if _, ok := matched[c.label]; ok {
			continue
		}
		if usedExisting[c.existingID] {
			continue
		}
		matched[c.label] = c.existingID
		usedExisting[c.existingID] = true
	}
	return matched
}

// maxUint returns the largest id in refs, used as the "most recent item"
// thumbnail-selection rule: ids are assigned in increasing insertion
// order, so the largest id is the most recently added member.
func maxUint(refs []uint) uint {
	max := refs[0]
	for _, r := range refs[1:] {
		if r > max {
			max = r
		}
	}
	return max
}

func vectorToFloat64(v models.Vector) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func floatsToVector(in []float64) models.Vector {
	out := make(models.Vector, len(in))
	for i, f := range in {
		out[i] = float32(f)
	}
	return out
}
