// Package filter selects incident records by year, month and island.
package filter

import (
	"sort"
	"strings"

	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

var calendar = []string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// Filter keeps the records whose year, month and island are all selected.
// An empty dimension in sel defaults to every value present in records.
// The input is not modified and an empty result is not an error.
func Filter(records []models.IncidentRecord, sel models.FilterSelection) []models.IncidentRecord {
	years := make(map[int]struct{}, len(sel.Years))
	for _, y := range sel.Years {
		years[y] = struct{}{}
	}
	months := toSet(sel.Months)
	islands := toSet(sel.Islands)

	out := make([]models.IncidentRecord, 0, len(records))
	for _, rec := range records {
		if len(years) > 0 {
			if _, ok := years[rec.Year]; !ok {
				continue
			}
		}
		if len(months) > 0 {
			if _, ok := months[rec.Month]; !ok {
				continue
			}
		}
		if len(islands) > 0 {
			if _, ok := islands[rec.Island]; !ok {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

// PolygonsOnly splits records into single polygons and the multi-polygons
// that downstream processing skips.
func PolygonsOnly(records []models.IncidentRecord) (kept []models.IncidentRecord, dropped int) {
	kept = make([]models.IncidentRecord, 0, len(records))
	for _, rec := range records {
		if models.IsMulti(rec.Geometry) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	return kept, dropped
}

// DistinctValues collects the filter options present in records.
func DistinctValues(records []models.IncidentRecord) models.DistinctValues {
	var dv models.DistinctValues
	seenYear := make(map[int]struct{})
	seenMonth := make(map[string]struct{})
	seenIsland := make(map[string]struct{})

	for _, rec := range records {
		if _, ok := seenYear[rec.Year]; !ok {
			seenYear[rec.Year] = struct{}{}
			dv.Years = append(dv.Years, rec.Year)
		}
		if _, ok := seenMonth[rec.Month]; !ok {
			seenMonth[rec.Month] = struct{}{}
			dv.Months = append(dv.Months, rec.Month)
		}
		if _, ok := seenIsland[rec.Island]; !ok {
			seenIsland[rec.Island] = struct{}{}
			dv.Islands = append(dv.Islands, rec.Island)
		}
	}

	sort.Ints(dv.Years)
	dv.Months = SortMonths(dv.Months)
	return dv
}

// SortMonths orders calendar month names first, in calendar order, followed by
// any other labels in the order they were given. Month names match case-insensitively.
func SortMonths(months []string) []string {
	present := make(map[string][]string, len(months))
	var other []string
	for _, m := range months {
		if isMonth(m) {
			key := strings.ToLower(m)
			present[key] = append(present[key], m)
			continue
		}
		other = append(other, m)
	}

	out := make([]string, 0, len(months))
	for _, name := range calendar {
		out = append(out, present[strings.ToLower(name)]...)
	}
	return append(out, other...)
}

func isMonth(s string) bool {
	for _, name := range calendar {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
