package dto

// CompareData holds record counts of two products over the same time range.
type CompareData struct {
	ProductA string `json:"product_a"`
	ProductB string `json:"product_b"`
	CountA   int    `json:"count_a"`
	CountB   int    `json:"count_b"`
}

// UploadResult is returned by the upload endpoint.
type UploadResult struct {
	OK       bool   `json:"ok"`
	Filename string `json:"filename"`
}
