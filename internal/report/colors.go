package report

import (
	"sort"

	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

// Palette is the ColorBrewer Set3 qualitative scheme with 12 colors.
var Palette = []string{
	"#8DD3C7", "#FFFFB3", "#BEBADA", "#FB8072", "#80B1D3", "#FDB462",
	"#B3DE69", "#FCCDE5", "#D9D9D9", "#BC80BD", "#CCEBC5", "#FFED6F",
}

// YearColor pairs a year with its fill color.
type YearColor struct {
	Year  int    `json:"year"`
	Color string `json:"color"`
}

// YearColors is the legend order: ascending years.
type YearColors []YearColor

// AssignYearColors gives each distinct year a palette color in ascending year
// order, cycling when there are more years than colors.
func AssignYearColors(records []models.IncidentRecord) YearColors {
	seen := make(map[int]struct{})
	var years []int
	for _, rec := range records {
		if _, ok := seen[rec.Year]; !ok {
			seen[rec.Year] = struct{}{}
			years = append(years, rec.Year)
		}
	}
	sort.Ints(years)

	colors := make(YearColors, len(years))
	for i, y := range years {
		colors[i] = YearColor{Year: y, Color: Palette[i%len(Palette)]}
	}
	return colors
}

// ColorOf returns the color for year, or the first palette color when the year is unknown.
func (yc YearColors) ColorOf(year int) string {
	for _, c := range yc {
		if c.Year == year {
			return c.Color
		}
	}
	return Palette[0]
}
