// RecordFilters describe user-provided filters to narrow the record list.
package dto

// Dates may be full timestamps (YYYY-MM-DD HH:MM:SS) or bare days (YYYY-MM-DD).
type RecordFilters struct {
	StartDate string
	EndDate   string
	Product   string
}
