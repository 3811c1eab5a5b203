package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IncidentRecord is one burn-scar polygon with its attributes.
// Records are read-only and loaded fresh from the dataset for every request.
type IncidentRecord struct {
	Geometry Geometry `json:"geometry"`
	Year     int      `json:"year"`
	Month    string   `json:"month"`
	Island   string   `json:"island"`
	Acreage  float64  `json:"acreage"` // NaN when missing in the source attributes
}

// DistinctValues are the filter options offered for a dataset.
// Years ascend, islands keep encounter order, months follow the calendar
// with unrecognised labels appended in encounter order.
type DistinctValues struct {
	Years   []int    `json:"years"`
	Months  []string `json:"months"`
	Islands []string `json:"islands"`
}

// DatasetMetadata is the catalog row for one registered dataset. Dir is the
// extracted directory relative to the data directory, slash separated.
type DatasetMetadata struct {
	RegisteredAt time.Time      `json:"registeredAt"`
	Name         string         `json:"name"`
	Dir          string         `json:"dir"`
	Distinct     DistinctValues `json:"distinct"`
	IsExtracted  bool           `json:"isExtracted"`
}

// FilterSelection restricts a dataset by year, month and island.
// An empty dimension selects every value present in the dataset.
type FilterSelection struct {
	Years   []int    `json:"years"`
	Months  []string `json:"months"`
	Islands []string `json:"islands"`
}

// ParseSelection builds a selection from comma-joined (or repeated) query values.
func ParseSelection(years, months, islands []string) (FilterSelection, error) {
	var sel FilterSelection

	for _, raw := range SplitList(years) {
		y, err := strconv.Atoi(raw)
		if err != nil {
			return FilterSelection{}, fmt.Errorf("invalid year %q: %w", raw, err)
		}
		sel.Years = append(sel.Years, y)
	}
	sel.Months = SplitList(months)
	sel.Islands = SplitList(islands)

	return sel, nil
}

// SplitList flattens comma-joined values, trimming blanks and dropping empties.
func SplitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// JoinYears renders years the way they are stored in the catalog.
func JoinYears(years []int) string {
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = strconv.Itoa(y)
	}
	return strings.Join(parts, ",")
}

// SavedView is the persisted state behind a cache key: the last selection
// rendered for it and the map document that came out.
type SavedView struct {
	LastAccessed time.Time `json:"lastAccessed"`
	Years        string    `json:"years"`
	Islands      string    `json:"islands"`
	Months       string    `json:"months"`
	DatasetName  string    `json:"dataset"`
	MapHTML      string    `json:"-"`
	ID           int64     `json:"id"`
}

// Selection decodes the stored comma-joined selection.
func (v SavedView) Selection() (FilterSelection, error) {
	return ParseSelection([]string{v.Years}, []string{v.Months}, []string{v.Islands})
}
