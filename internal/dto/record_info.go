package dto

import (
	"encoding/json"
	"net/url"

	"visionsurvey/internal/model"
)

// UploadsPrefix is the URL prefix under which output images are served.
const UploadsPrefix = "/uploads/"

// RecordInfo is the wire form of a record, shared by the JSON API and the live feed.
type RecordInfo struct {
	ID          int64   `json:"id"`
	Timestamp   string  `json:"timestamp"`
	Brand       string  `json:"brand"`
	ProductName string  `json:"product_name"`
	Confidence  float64 `json:"conf"`
	ImagePath   string  `json:"image_path"`
}

// NewRecordInfo converts a stored record, reporting empty labels as Unknown.
func NewRecordInfo(rec model.Record) RecordInfo {
	label := rec.Label
	if label == "" {
		label = model.UnknownLabel
	}
	brand := rec.Brand
	if brand == "" {
		brand = label
	}
	return RecordInfo{
		ID:          rec.ID,
		Timestamp:   rec.Timestamp,
		Brand:       brand,
		ProductName: label,
		Confidence:  rec.Confidence,
		ImagePath:   rec.ImagePath,
	}
}

// NewRecordInfos converts a slice of records; the result is never nil.
func NewRecordInfos(recs []model.Record) []RecordInfo {
	out := make([]RecordInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, NewRecordInfo(r))
	}
	return out
}

// MarshalJSON adds the image URL next to the relative image path.
func (r RecordInfo) MarshalJSON() ([]byte, error) {
	type Alias RecordInfo
	imageURL := ""
	if r.ImagePath != "" {
		imageURL = UploadsPrefix + url.PathEscape(r.ImagePath)
	}
	return json.Marshal(&struct {
		Alias
		ImageURL string `json:"image_url"`
	}{
		Alias:    (Alias)(r),
		ImageURL: imageURL,
	})
}
