package model

// UnknownLabel is reported whenever a record has no detected label.
const UnknownLabel = "Unknown"

// TimestampLayout is the storage format of Record.Timestamp; it sorts lexicographically.
const TimestampLayout = "2006-01-02 15:04:05"

// Record represents one persisted classification event.
type Record struct {
	ID         int64   `json:"id"`
	Timestamp  string  `json:"timestamp"`
	Brand      string  `json:"brand"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ImagePath  string  `json:"image_path"`
}

// Filter narrows record queries. Empty fields are ignored.
// Start and End are inclusive bounds on Timestamp and must be full timestamps.
type Filter struct {
	Start string
	End   string
	Label string // substring match
}

// LabelCount is one row of the per-label aggregate.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// DayCount is one row of the per-day aggregate; Day is YYYY-MM-DD.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}
