package models

// Location is a deduplicated place name, shared across every media item
// whose GPS fix reverse-geocodes to the same (name, admin1, country_code).
type Location struct {
	ID          uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string  `gorm:"not null;uniqueIndex:idx_location_identity" json:"name"`
	Admin1      string  `gorm:"column:admin1;uniqueIndex:idx_location_identity" json:"admin1"`
	CountryCode string  `gorm:"column:country_code;size:2;uniqueIndex:idx_location_identity" json:"country_code"`
	Latitude    float64 `gorm:"not null" json:"latitude"`
	Longitude   float64 `gorm:"not null" json:"longitude"`
}

// TableName explicitly sets the table name for GORM.
func (Location) TableName() string {
	return "locations"
}

// GPSDetail is the one-to-one GPS satellite table for a media item.
type GPSDetail struct {
	MediaItemID uint     `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
	Latitude    float64  `gorm:"not null" json:"latitude"`
	Longitude   float64  `gorm:"not null" json:"longitude"`
	Altitude    *float64 `gorm:"" json:"altitude,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (GPSDetail) TableName() string {
	return "media_item_gps"
}

// TimeDetail is the one-to-one time-resolution satellite table.
type TimeDetail struct {
	MediaItemID  uint    `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
	TimezoneName *string `gorm:"column:timezone_name" json:"timezone_name,omitempty"`
	UTCOffsetMin *int    `gorm:"column:utc_offset_minutes" json:"utc_offset_minutes,omitempty"`
	Source       string  `gorm:"not null" json:"source"` // "exif_offset" | "gps" | "fallback_tz" | "naive_utc"
}

// TableName explicitly sets the table name for GORM.
func (TimeDetail) TableName() string {
	return "media_item_time_details"
}

// Weather is the one-to-one weather satellite, populated by the media
// analyzer when GPS + timestamp allow a lookup.
type Weather struct {
	MediaItemID     uint     `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
	TemperatureC    *float64 `gorm:"column:temperature_c" json:"temperature_c,omitempty"`
	FeelsLikeC      *float64 `gorm:"column:feels_like_c" json:"feels_like_c,omitempty"`
	HumidityPercent *float64 `gorm:"column:humidity_percent" json:"humidity_percent,omitempty"`
	PressureHpa     *float64 `gorm:"column:pressure_hpa" json:"pressure_hpa,omitempty"`
	WindSpeedKph    *float64 `gorm:"column:wind_speed_kph" json:"wind_speed_kph,omitempty"`
	Condition       *string  `gorm:"column:condition" json:"condition,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Weather) TableName() string {
	return "media_item_weather"
}

// MediaFeatures is the one-to-one satellite holding file/container level
// intrinsic properties.
type MediaFeatures struct {
	MediaItemID uint    `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
	MimeType    string  `gorm:"not null" json:"mime_type"`
	SizeBytes   int64   `gorm:"column:size_bytes;not null" json:"size_bytes"`
	IsMotionPhoto bool  `gorm:"column:is_motion_photo;not null;default:false" json:"is_motion_photo"`
	IsHDR       bool    `gorm:"column:is_hdr;not null;default:false" json:"is_hdr"`
	IsBurst     bool    `gorm:"column:is_burst;not null;default:false" json:"is_burst"`
	BurstID     *string `gorm:"column:burst_id" json:"burst_id,omitempty"`
	FPS         *float64 `gorm:"column:fps" json:"fps,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (MediaFeatures) TableName() string {
	return "media_item_features"
}

// CameraSettings is the one-to-one satellite for capture parameters.
type CameraSettings struct {
	MediaItemID  uint     `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
	CameraMake   *string  `gorm:"column:camera_make" json:"camera_make,omitempty"`
	CameraModel  *string  `gorm:"column:camera_model" json:"camera_model,omitempty"`
	LensMake     *string  `gorm:"column:lens_make" json:"lens_make,omitempty"`
	LensModel    *string  `gorm:"column:lens_model" json:"lens_model,omitempty"`
	FocalLength  *float64 `gorm:"column:focal_length" json:"focal_length,omitempty"`
	Aperture     *float64 `gorm:"column:aperture" json:"aperture,omitempty"`
	ShutterSpeed *string  `gorm:"column:shutter_speed" json:"shutter_speed,omitempty"`
	ISO          *int     `gorm:"column:iso" json:"iso,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (CameraSettings) TableName() string {
	return "media_item_camera_settings"
}

// Panorama is the one-to-one satellite marking panoramic/360 captures.
type Panorama struct {
	MediaItemID uint    `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
	ProjectionType string `gorm:"column:projection_type;not null" json:"projection_type"` // "equirectangular", etc.
	FullPanoWidth  *int    `gorm:"column:full_pano_width" json:"full_pano_width,omitempty"`
	FullPanoHeight *int    `gorm:"column:full_pano_height" json:"full_pano_height,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Panorama) TableName() string {
	return "media_item_panoramas"
}
