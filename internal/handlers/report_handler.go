package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/HWMO-Fire-Map/MapDemo/internal/errors"
	"github.com/HWMO-Fire-Map/MapDemo/internal/middleware"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
	"github.com/HWMO-Fire-Map/MapDemo/internal/report"
	"github.com/HWMO-Fire-Map/MapDemo/internal/services"
)

// ReportHandler handles filter, report and saved-view HTTP requests.
type ReportHandler struct {
	service services.ReportService
}

// NewReportHandler creates a new ReportHandler instance.
func NewReportHandler(service services.ReportService) *ReportHandler {
	return &ReportHandler{
		service: service,
	}
}

// FiltersRequest represents the query parameters for the filters endpoint.
type FiltersRequest struct {
	DataSet string `form:"dataSet" binding:"max=255"`
}

// ReportRequest represents the query parameters for the report endpoint.
// Each selection dimension is comma-joined or repeated.
type ReportRequest struct {
	DataSet string   `form:"dataSet" binding:"max=255"`
	Years   []string `form:"years"`
	Months  []string `form:"months"`
	Islands []string `form:"islands"`
	IDNum   int64    `form:"id_num" binding:"required,gt=0"`
}

// ReportResponse represents the response for the report endpoint.
type ReportResponse struct {
	MapHTML        string `json:"mapHtml"`
	MapData        string `json:"map_data"`
	DataSet        string `json:"dataSet,omitempty"`
	PercentBurned  string `json:"percentBurned,omitempty"`
	IDNum          int64  `json:"id_num"`
	Records        int    `json:"records"`
	EmptySelection bool   `json:"empty_selection,omitempty"`
}

// ResolveResponse represents the response for the resolve endpoint.
type ResolveResponse struct {
	MapData string `json:"map_data"`
	IDNum   int64  `json:"id_num"`
	Created bool   `json:"created"`
}

// ArchiveResponse represents the JSON form of an archive export.
type ArchiveResponse struct {
	ShapeZip string `json:"shape_zip"`
	Filename string `json:"filename"`
	Records  int    `json:"records"`
}

// Filters handles GET /api/v1/filters (legacy GET /api/list).
// It returns the distinct years, months and islands of a dataset.
func (h *ReportHandler) Filters(c *gin.Context) {
	var req FiltersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apierrors.BindError(c, err)
		return
	}

	opts, err := h.service.ListFilterOptions(c.Request.Context(), unquote(req.DataSet))
	if err != nil {
		h.fail(c, err, "Failed to list filter options")
		return
	}

	c.JSON(http.StatusOK, opts)
}

// Report handles GET /api/v1/reports (legacy GET /api/data).
// It renders the selection, saves it under id_num and returns the document.
func (h *ReportHandler) Report(c *gin.Context) {
	log := middleware.GetLogger(c)

	var req ReportRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apierrors.BindError(c, err)
		return
	}

	sel, err := models.ParseSelection(req.Years, req.Months, req.Islands)
	if err != nil {
		apierrors.BadRequest(c, "Invalid selection", map[string]interface{}{"years": err.Error()})
		return
	}
	dataset := unquote(req.DataSet)

	if log != nil {
		log.Info("Processing report request", map[string]interface{}{
			"id_num":  req.IDNum,
			"dataset": dataset,
			"years":   sel.Years,
			"months":  sel.Months,
			"islands": sel.Islands,
		})
	}

	rep, err := h.service.RenderFilteredReport(c.Request.Context(), dataset, sel, req.IDNum)
	if errors.Is(err, services.ErrEmptySelection) {
		fallback := h.service.FallbackDocument()
		c.Header("ETag", report.Fingerprint(fallback))
		c.JSON(http.StatusOK, ReportResponse{
			MapHTML:        viewMapPath(req.IDNum),
			MapData:        string(fallback),
			DataSet:        dataset,
			IDNum:          req.IDNum,
			EmptySelection: true,
		})
		return
	}
	if err != nil {
		h.fail(c, err, "Failed to render report")
		return
	}

	c.Header("ETag", rep.ETag)
	c.JSON(http.StatusOK, ReportResponse{
		MapHTML:       viewMapPath(rep.ID),
		MapData:       string(rep.Document),
		DataSet:       rep.Dataset,
		PercentBurned: rep.Summary.PercentBurned,
		IDNum:         rep.ID,
		Records:       rep.Records,
	})
}

// Resolve handles GET /api/v1/views/resolve (legacy GET /api/existing).
// A missing or unusable param1 allocates a new view id.
func (h *ReportHandler) Resolve(c *gin.Context) {
	var key *int64
	if raw := unquote(c.Query("param1")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			key = &id
		} else if log := middleware.GetLogger(c); log != nil {
			log.Debug("Ignoring unparseable view id", map[string]interface{}{"param1": raw})
		}
	}

	res, err := h.service.ResolveOrCreateCacheEntry(c.Request.Context(), key)
	if err != nil {
		h.fail(c, err, "Failed to resolve view")
		return
	}

	c.Header("ETag", res.ETag)
	c.JSON(http.StatusOK, ResolveResponse{
		MapData: string(res.Document),
		IDNum:   res.ID,
		Created: res.Created,
	})
}

// Map handles GET /api/v1/views/:id/map.
// It serves the saved map document as HTML and honours If-None-Match.
func (h *ReportHandler) Map(c *gin.Context) {
	id, ok := viewID(c, c.Param("id"))
	if !ok {
		return
	}

	res, err := h.service.MapDocument(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "Failed to load map document")
		return
	}

	c.Header("ETag", res.ETag)
	c.Header("Cache-Control", "no-cache")
	if match := c.GetHeader("If-None-Match"); match != "" && match == res.ETag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", res.Document)
}

// Archive handles GET /api/v1/views/:id/archive (legacy GET /api/mapZip?id_num=).
// The archive is base64 encoded in JSON unless format=zip asks for the raw file.
func (h *ReportHandler) Archive(c *gin.Context) {
	raw := c.Param("id")
	if raw == "" {
		raw = c.Query("id_num")
	}
	id, ok := viewID(c, raw)
	if !ok {
		return
	}

	archive, err := h.service.ExportFilteredArchive(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "Failed to export archive")
		return
	}

	if c.Query("format") == "zip" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Filename))
		c.Data(http.StatusOK, "application/zip", archive.Data)
		return
	}

	c.JSON(http.StatusOK, ArchiveResponse{
		ShapeZip: base64.StdEncoding.EncodeToString(archive.Data),
		Filename: archive.Filename,
		Records:  archive.Records,
	})
}

// fail maps service errors onto the error envelope.
func (h *ReportHandler) fail(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, services.ErrDatasetNotFound):
		apierrors.NotFound(c, "Dataset not found")
	case errors.Is(err, services.ErrViewNotFound):
		apierrors.NotFound(c, "View not found")
	case errors.Is(err, services.ErrInvalidViewID):
		apierrors.BadRequest(c, err.Error(), nil)
	case errors.Is(err, services.ErrNoLandArea):
		apierrors.UnprocessableEntity(c, "Selected islands have no known land area",
			map[string]interface{}{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierrors.ServiceUnavailable(c, "Request abandoned before a worker was available")
	case errors.Is(err, services.ErrMalformedDataset):
		apierrors.InternalServerError(c, "Dataset is malformed", err)
	default:
		apierrors.InternalServerError(c, message, err)
	}
}

// viewID parses a positive view id, writing a 400 when it is not one.
func viewID(c *gin.Context, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		apierrors.BadRequest(c, "View id must be a positive integer", map[string]interface{}{"id": raw})
		return 0, false
	}
	return id, true
}

func viewMapPath(id int64) string {
	return "/api/v1/views/" + strconv.FormatInt(id, 10) + "/map"
}

// unquote strips one pair of surrounding double quotes; the legacy frontend
// sends dataSet JSON encoded.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
