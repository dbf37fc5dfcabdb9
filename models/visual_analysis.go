package models

import "time"

// ImageEmbeddingDims is the required length of a VisualAnalysis.Embedding.
const ImageEmbeddingDims = 1152

// FaceEmbeddingDims is the required length of a Face.Embedding.
const FaceEmbeddingDims = 512

// VisualAnalysis is one ML inference result for one frame of one media
// item. Stills produce exactly one row at VideoPercent 0; videos may
// produce several, one per sampled frame.
type VisualAnalysis struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MediaItemID uint      `gorm:"column:media_item_id;not null;index" json:"media_item_id"`
	// VideoPercent is the position within the video, 0-100; always 0 for
	// stills.
	VideoPercent float64 `gorm:"column:video_percent;not null;default:0" json:"video_percent"`
	// Embedding is the 1152-dim whole-frame embedding.
	Embedding Vector    `gorm:"type:text;not null" json:"embedding"`
	CreatedAt time.Time `json:"created_at"`

	Faces           []Face           `gorm:"foreignKey:VisualAnalysisID;constraint:OnDelete:CASCADE" json:"faces,omitempty"`
	Objects         []DetectedObject `gorm:"foreignKey:VisualAnalysisID;constraint:OnDelete:CASCADE" json:"objects,omitempty"`
	Quality         *Quality         `gorm:"foreignKey:VisualAnalysisID;constraint:OnDelete:CASCADE" json:"quality,omitempty"`
	Colors          *Colors          `gorm:"foreignKey:VisualAnalysisID;constraint:OnDelete:CASCADE" json:"colors,omitempty"`
	Classification  *Classification  `gorm:"foreignKey:VisualAnalysisID;constraint:OnDelete:CASCADE" json:"classification,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (VisualAnalysis) TableName() string {
	return "visual_analyses"
}

// Face is one detected face within a VisualAnalysis frame.
type Face struct {
	ID               uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	VisualAnalysisID uint   `gorm:"column:visual_analysis_id;not null;index" json:"visual_analysis_id"`
	PersonID         *uint  `gorm:"column:person_id;index" json:"person_id,omitempty"`
	Embedding        Vector `gorm:"type:text;not null" json:"embedding"`

	// Bounding box, normalized [0,1] relative to frame dimensions.
	BoxX1 float64 `gorm:"column:box_x1;not null" json:"box_x1"`
	BoxY1 float64 `gorm:"column:box_y1;not null" json:"box_y1"`
	BoxX2 float64 `gorm:"column:box_x2;not null" json:"box_x2"`
	BoxY2 float64 `gorm:"column:box_y2;not null" json:"box_y2"`

	// Landmarks: flattened (x,y) pairs, typically 5 points (eyes, nose,
	// mouth corners) as emitted by the visual analyzer.
	Landmarks Vector `gorm:"type:text" json:"landmarks,omitempty"`

	EstimatedAge *float64 `gorm:"column:estimated_age" json:"estimated_age,omitempty"`
	EstimatedSex *string  `gorm:"column:estimated_sex" json:"estimated_sex,omitempty"`

	Person *Person `gorm:"foreignKey:PersonID" json:"person,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Face) TableName() string {
	return "faces"
}

// DetectedObject is one object-detection bounding box within a frame.
type DetectedObject struct {
	ID               uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	VisualAnalysisID uint    `gorm:"column:visual_analysis_id;not null;index" json:"visual_analysis_id"`
	Label            string  `gorm:"not null" json:"label"`
	Confidence       float64 `gorm:"not null" json:"confidence"`
	BoxX1            float64 `gorm:"column:box_x1;not null" json:"box_x1"`
	BoxY1            float64 `gorm:"column:box_y1;not null" json:"box_y1"`
	BoxX2            float64 `gorm:"column:box_x2;not null" json:"box_x2"`
	BoxY2            float64 `gorm:"column:box_y2;not null" json:"box_y2"`
}

// TableName explicitly sets the table name for GORM.
func (DetectedObject) TableName() string {
	return "detected_objects"
}

// Quality holds both measured (sharpness/exposure style metrics) and
// ML-judged (aesthetic) quality scores for a frame.
type Quality struct {
	VisualAnalysisID uint     `gorm:"primaryKey;column:visual_analysis_id" json:"visual_analysis_id"`
	SharpnessScore   *float64 `gorm:"column:sharpness_score" json:"sharpness_score,omitempty"`
	ExposureScore    *float64 `gorm:"column:exposure_score" json:"exposure_score,omitempty"`
	NoiseScore       *float64 `gorm:"column:noise_score" json:"noise_score,omitempty"`
	AestheticScore   *float64 `gorm:"column:aesthetic_score" json:"aesthetic_score,omitempty"`
	OverallScore     *float64 `gorm:"column:overall_score" json:"overall_score,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Quality) TableName() string {
	return "visual_analysis_quality"
}

// Colors holds palette extraction results for a frame.
type Colors struct {
	VisualAnalysisID uint   `gorm:"primaryKey;column:visual_analysis_id" json:"visual_analysis_id"`
	Themes           string `gorm:"type:text" json:"themes,omitempty"`          // JSON array of named themes
	Prominent        string `gorm:"type:text" json:"prominent,omitempty"`       // JSON array of hex colors
	HistogramJSON    string `gorm:"column:histogram_json;type:text" json:"histogram,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Colors) TableName() string {
	return "visual_analysis_colors"
}

// Classification holds caption/category/OCR results for a frame.
type Classification struct {
	VisualAnalysisID uint   `gorm:"primaryKey;column:visual_analysis_id" json:"visual_analysis_id"`
	IsScreenshot     bool   `gorm:"column:is_screenshot;not null;default:false" json:"is_screenshot"`
	IsDocument       bool   `gorm:"column:is_document;not null;default:false" json:"is_document"`
	IsSelfie         bool   `gorm:"column:is_selfie;not null;default:false" json:"is_selfie"`
	Category         *string `gorm:"column:category" json:"category,omitempty"`
	Caption          *string `gorm:"column:caption;type:text" json:"caption,omitempty"`
	OCRText          *string `gorm:"column:ocr_text;type:text" json:"ocr_text,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Classification) TableName() string {
	return "visual_analysis_classifications"
}
