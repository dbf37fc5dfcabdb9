package cluster

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/models"
)

// fakeCluster is one in-memory cluster tracked by fakeStrategy.
type fakeCluster struct {
	id        uint
	centroid  models.Vector
	members   []uint
	thumbnail uint
}

// fakeStrategy is a Strategy implementation that keeps its state in
// memory instead of in the database, letting Engine's matching/reconcile
// logic be exercised without a real schema.
type fakeStrategy struct {
	embeddings []Embedding
	clusters   map[uint]*fakeCluster
	nextID     uint
	minSize    int
	minSamples int
	threshold  float64
	deleted    []uint
}

func newFakeStrategy(minSize, minSamples int, threshold float64) *fakeStrategy {
	return &fakeStrategy{clusters: make(map[uint]*fakeCluster), minSize: minSize, minSamples: minSamples, threshold: threshold}
}

func (s *fakeStrategy) Name() string        { return "fake" }
func (s *fakeStrategy) MinClusterSize() int { return s.minSize }
func (s *fakeStrategy) MinSamples() int     { return s.minSamples }
func (s *fakeStrategy) Threshold() float64  { return s.threshold }

func (s *fakeStrategy) FetchExistingClusters(ctx context.Context, tx *gorm.DB, userID int32) ([]ExistingCluster, error) {
	out := make([]ExistingCluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, ExistingCluster{ID: c.id, Centroid: c.centroid})
	}
	return out, nil
}

func (s *fakeStrategy) FetchEmbeddings(ctx context.Context, tx *gorm.DB, userID int32) ([]Embedding, error) {
	return s.embeddings, nil
}

func (s *fakeStrategy) UpdateCluster(ctx context.Context, tx *gorm.DB, clusterID uint, centroid models.Vector, itemRefs []uint) error {
	c := s.clusters[clusterID]
	c.centroid = centroid
	if len(itemRefs) > 0 {
		c.thumbnail = maxUint(itemRefs)
	}
	return nil
}

func (s *fakeStrategy) InsertCluster(ctx context.Context, tx *gorm.DB, userID int32, centroid models.Vector, itemRefs []uint) (uint, error) {
	s.nextID++
	c := &fakeCluster{id: s.nextID, centroid: centroid}
	if len(itemRefs) > 0 {
		c.thumbnail = maxUint(itemRefs)
	}
	s.clusters[s.nextID] = c
	return s.nextID, nil
}

func (s *fakeStrategy) LinkItems(ctx context.Context, tx *gorm.DB, clusterID uint, itemRefs []uint) error {
	s.clusters[clusterID].members = itemRefs
	return nil
}

func (s *fakeStrategy) DeleteObsolete(ctx context.Context, tx *gorm.DB, clusterID uint) error {
	delete(s.clusters, clusterID)
	s.deleted = append(s.deleted, clusterID)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	return db
}

func vec(vals ...float32) models.Vector { return models.Vector(vals) }

func TestReconcileSkipsWhenFewerThanMinClusterSize(t *testing.T) {
	db := newTestDB(t)
	s := newFakeStrategy(4, 3, 0.6)
	s.embeddings = []Embedding{
		{ItemRef: 1, Vector: vec(0, 0)},
		{ItemRef: 2, Vector: vec(0, 1)},
	}
	eng := New(db, s)

	if err := eng.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(s.clusters) != 0 {
		t.Fatalf("expected no clusters created below min_cluster_size, got %d", len(s.clusters))
	}
}

func TestReconcileInsertsNewClusters(t *testing.T) {
	db := newTestDB(t)
	s := newFakeStrategy(3, 3, 5)
	s.embeddings = []Embedding{
		{ItemRef: 1, Vector: vec(0, 0)},
		{ItemRef: 2, Vector: vec(0, 1)},
		{ItemRef: 3, Vector: vec(1, 0)},
	}
	eng := New(db, s)

	if err := eng.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(s.clusters) != 1 {
		t.Fatalf("expected exactly one new cluster, got %d", len(s.clusters))
	}
	for _, c := range s.clusters {
		if len(c.members) != 3 {
			t.Fatalf("expected all 3 items linked to the new cluster, got %v", c.members)
		}
	}
}

func TestReconcileMatchesExistingClusterWithinThreshold(t *testing.T) {
	db := newTestDB(t)
	s := newFakeStrategy(3, 3, 5)
	s.clusters[10] = &fakeCluster{id: 10, centroid: vec(0.1, 0.1)}
	s.nextID = 10
	s.embeddings = []Embedding{
		{ItemRef: 1, Vector: vec(0, 0)},
		{ItemRef: 2, Vector: vec(0, 1)},
		{ItemRef: 3, Vector: vec(1, 0)},
	}
	eng := New(db, s)

	if err := eng.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(s.clusters) != 1 {
		t.Fatalf("expected the existing cluster to be reused, got %d clusters", len(s.clusters))
	}
	if _, ok := s.clusters[10]; !ok {
		t.Fatalf("expected cluster 10 to survive as the matched cluster, got %v", s.clusters)
	}
	if len(s.deleted) != 0 {
		t.Fatalf("expected no obsolete clusters, got %v", s.deleted)
	}
}

func TestReconcileDeletesObsoleteClusters(t *testing.T) {
	db := newTestDB(t)
	s := newFakeStrategy(3, 3, 0.01)
	s.clusters[10] = &fakeCluster{id: 10, centroid: vec(100, 100)}
	s.nextID = 10
	s.embeddings = []Embedding{
		{ItemRef: 1, Vector: vec(0, 0)},
		{ItemRef: 2, Vector: vec(0, 1)},
		{ItemRef: 3, Vector: vec(1, 0)},
	}
	eng := New(db, s)

	if err := eng.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(s.deleted) != 1 || s.deleted[0] != 10 {
		t.Fatalf("expected cluster 10 to be deleted as obsolete, got %v", s.deleted)
	}
	if _, ok := s.clusters[10]; ok {
		t.Fatalf("expected cluster 10 to be gone from the live set")
	}
}

func TestReconcileSetsThumbnailOnNewCluster(t *testing.T) {
	db := newTestDB(t)
	s := newFakeStrategy(3, 3, 5)
	s.embeddings = []Embedding{
		{ItemRef: 1, Vector: vec(0, 0)},
		{ItemRef: 2, Vector: vec(0, 1)},
		{ItemRef: 3, Vector: vec(1, 0)},
	}
	eng := New(db, s)

	if err := eng.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for _, c := range s.clusters {
		if c.thumbnail != 3 {
			t.Fatalf("expected thumbnail to be the most recently added member (3), got %d", c.thumbnail)
		}
	}
}

func TestReconcileUpdatesThumbnailOnMatchedCluster(t *testing.T) {
	db := newTestDB(t)
	s := newFakeStrategy(3, 3, 5)
	s.clusters[10] = &fakeCluster{id: 10, centroid: vec(0.1, 0.1), thumbnail: 99}
	s.nextID = 10
	s.embeddings = []Embedding{
		{ItemRef: 1, Vector: vec(0, 0)},
		{ItemRef: 2, Vector: vec(0, 1)},
		{ItemRef: 3, Vector: vec(1, 0)},
	}
	eng := New(db, s)

	if err := eng.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.clusters[10].thumbnail != 3 {
		t.Fatalf("expected matched cluster's thumbnail to be refreshed to the most recent member (3), got %d", s.clusters[10].thumbnail)
	}
}

func TestMatchClustersEachExistingMatchesAtMostOnce(t *testing.T) {
	centroids := map[int][]float64{
		0: {0, 0},
		1: {0, 0.1},
	}
	existing := []ExistingCluster{{ID: 1, Centroid: vec(0, 0)}}

	matched := matchClusters(centroids, existing, 1)
	if len(matched) != 1 {
		t.Fatalf("expected exactly one label matched since only one existing cluster exists, got %v", matched)
	}
	seen := make(map[uint]bool)
	for _, existingID := range matched {
		if seen[existingID] {
			t.Fatalf("expected each existing cluster to match at most once, got %v", matched)
		}
		seen[existingID] = true
	}
}

func TestMatchClustersRejectsBeyondThreshold(t *testing.T) {
	centroids := map[int][]float64{0: {10, 10}}
	existing := []ExistingCluster{{ID: 1, Centroid: vec(0, 0)}}

	matched := matchClusters(centroids, existing, 1)
	if len(matched) != 0 {
		t.Fatalf("expected no match beyond threshold, got %v", matched)
	}
}
