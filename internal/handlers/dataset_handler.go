package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/HWMO-Fire-Map/MapDemo/internal/errors"
	"github.com/HWMO-Fire-Map/MapDemo/internal/middleware"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
	"github.com/HWMO-Fire-Map/MapDemo/internal/services"
)

const (
	// uploadField is the multipart field carrying a dataset bundle.
	uploadField = "file"
	// defaultTextFile is the description served when no text file is named.
	defaultTextFile = "FireDataText.txt"
)

// DatasetHandler handles dataset administration HTTP requests.
type DatasetHandler struct {
	service        services.DatasetService
	maxUploadBytes int64
}

// NewDatasetHandler creates a new DatasetHandler instance.
// Uploads larger than maxUploadBytes are rejected with 413.
func NewDatasetHandler(service services.DatasetService, maxUploadBytes int64) *DatasetHandler {
	return &DatasetHandler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
	}
}

// DatasetListResponse represents the response for the dataset list endpoint.
type DatasetListResponse struct {
	Datasets []string `json:"datasets"`
	Count    int      `json:"count"`
}

// UploadResponse represents the response for a successful upload.
type UploadResponse struct {
	Dataset string `json:"dataset"`
}

// RemoveRequest represents the path parameters for the delete endpoint.
type RemoveRequest struct {
	Name string `uri:"name" binding:"required,max=255,excludesall=/\\"`
}

// List handles GET /api/v1/datasets.
func (h *DatasetHandler) List(c *gin.Context) {
	names, err := h.service.List(c.Request.Context())
	if err != nil {
		apierrors.InternalServerError(c, "Failed to list datasets", err)
		return
	}

	c.JSON(http.StatusOK, DatasetListResponse{Datasets: names, Count: len(names)})
}

// Upload handles POST /api/v1/datasets.
// It stores the multipart "file" bundle and registers it.
func (h *DatasetHandler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	header, err := c.FormFile(uploadField)
	if err != nil {
		if tooLarge(err) {
			apierrors.PayloadTooLarge(c, "Bundle exceeds the upload limit")
			return
		}
		apierrors.BadRequest(c, "A .zip bundle is required in the \"file\" field", nil)
		return
	}

	file, err := header.Open()
	if err != nil {
		apierrors.InternalServerError(c, "Failed to read upload", err)
		return
	}
	defer file.Close()

	if log := middleware.GetLogger(c); log != nil {
		log.Info("Processing dataset upload", map[string]interface{}{
			"filename": header.Filename,
			"size":     header.Size,
		})
	}

	name, err := h.service.Upload(c.Request.Context(), header.Filename, file)
	switch {
	case errors.Is(err, services.ErrInvalidBundle):
		apierrors.BadRequest(c, "Upload is not a valid dataset bundle", map[string]interface{}{"error": err.Error()})
		return
	case errors.Is(err, services.ErrDatasetExists):
		apierrors.Conflict(c, "A dataset with this name already exists")
		return
	case err != nil:
		apierrors.InternalServerError(c, "Failed to store dataset", err)
		return
	}

	c.JSON(http.StatusCreated, UploadResponse{Dataset: name})
}

// Remove handles DELETE /api/v1/datasets/:name.
func (h *DatasetHandler) Remove(c *gin.Context) {
	var req RemoveRequest
	if err := c.ShouldBindUri(&req); err != nil {
		apierrors.BindError(c, err)
		return
	}

	if err := h.service.Remove(c.Request.Context(), req.Name); err != nil {
		if errors.Is(err, services.ErrDatasetNotFound) {
			apierrors.NotFound(c, "Dataset not found")
			return
		}
		apierrors.InternalServerError(c, "Failed to remove dataset", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Ingest handles POST /api/v1/datasets/ingest.
// Per-bundle failures are reported in the body, never as an error status.
func (h *DatasetHandler) Ingest(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Ingest(c.Request.Context()))
}

// Files handles GET /api/v1/files.
func (h *DatasetHandler) Files(c *gin.Context) {
	nodes, err := h.service.Files(c.Request.Context())
	if err != nil {
		apierrors.InternalServerError(c, "Failed to list files", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"files": nodes})
}

// DownloadRequest represents the query parameters for the download endpoint.
// FileIDs is a comma-separated list of IDs reported by the files endpoint.
type DownloadRequest struct {
	FileIDs string `form:"fileIds" binding:"required,max=8192"`
}

// DownloadResponse carries the zipped files, base64 encoded.
type DownloadResponse struct {
	ZipFolder string `json:"zip_folder"`
}

// FileRequest names one data directory file, as ?id= or a JSON {"filename"} body.
type FileRequest struct {
	ID string `form:"id" json:"filename" binding:"max=1024"`
}

// TextResponse carries the content of a text file.
type TextResponse struct {
	TextContent string `json:"text_content"`
}

// Download handles GET /api/v1/files/download.
func (h *DatasetHandler) Download(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apierrors.BindError(c, err)
		return
	}

	data, err := h.service.Download(c.Request.Context(), models.SplitList([]string{req.FileIDs}))
	if err != nil {
		fileError(c, err, "Failed to bundle files")
		return
	}

	c.JSON(http.StatusOK, DownloadResponse{ZipFolder: base64.StdEncoding.EncodeToString(data)})
}

// Text handles GET /api/v1/files/text and the legacy text routes.
// Without an id the data directory's description file is served.
func (h *DatasetHandler) Text(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		apierrors.BindError(c, err)
		return
	}
	if req.ID == "" {
		req.ID = defaultTextFile
	}

	text, err := h.service.ReadText(c.Request.Context(), req.ID)
	if err != nil {
		fileError(c, err, "Failed to read file")
		return
	}

	c.JSON(http.StatusOK, TextResponse{TextContent: text})
}

// PDF handles GET /api/v1/files/pdf and the legacy POST route.
func (h *DatasetHandler) PDF(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		apierrors.BindError(c, err)
		return
	}
	if req.ID == "" {
		apierrors.BadRequest(c, "A file id is required", nil)
		return
	}

	rc, size, err := h.service.OpenPDF(c.Request.Context(), req.ID)
	if err != nil {
		fileError(c, err, "Failed to open file")
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, size, "application/pdf", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", path.Base(req.ID)),
	})
}

// fileError maps file access errors onto the error envelope.
func fileError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, services.ErrFileNotFound):
		apierrors.NotFound(c, "File not found")
	case errors.Is(err, services.ErrInvalidFileID), errors.Is(err, services.ErrNotPDF):
		apierrors.BadRequest(c, "Invalid file id", map[string]interface{}{"error": err.Error()})
	case errors.Is(err, services.ErrFileTooLarge):
		apierrors.UnprocessableEntity(c, "File is too large to display", nil)
	default:
		apierrors.InternalServerError(c, message, err)
	}
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
