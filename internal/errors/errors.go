package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/HWMO-Fire-Map/MapDemo/internal/middleware"
)

// Error code constants for standardized error responses
const (
	ErrNotFound           = "NOT_FOUND"
	ErrBadRequest         = "BAD_REQUEST"
	ErrConflict           = "CONFLICT"
	ErrUnprocessable      = "UNPROCESSABLE_ENTITY"
	ErrPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrValidation         = "VALIDATION_ERROR"
	ErrDatabaseConnection = "DATABASE_CONNECTION_ERROR"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorResponse is the top-level error response structure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// respond logs a client-side failure as a warning and writes the envelope.
func respond(c *gin.Context, status int, code, logMsg, message string, details map[string]interface{}) {
	log := middleware.GetLogger(c)
	requestID := middleware.GetRequestID(c)

	if log != nil {
		fields := map[string]interface{}{
			"message":    message,
			"request_id": requestID,
			"path":       c.Request.URL.Path,
		}
		if details != nil {
			fields["details"] = details
		}
		log.Warn(logMsg, fields)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}

// NotFound returns a 404 Not Found error response.
func NotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, ErrNotFound, "Resource not found", message, nil)
}

// BadRequest returns a 400 Bad Request error response with optional details.
func BadRequest(c *gin.Context, message string, details map[string]interface{}) {
	respond(c, http.StatusBadRequest, ErrBadRequest, "Bad request", message, details)
}

// Conflict returns a 409 Conflict error response.
func Conflict(c *gin.Context, message string) {
	respond(c, http.StatusConflict, ErrConflict, "Conflict", message, nil)
}

// UnprocessableEntity returns a 422 response for well-formed requests whose
// selection cannot be evaluated.
func UnprocessableEntity(c *gin.Context, message string, details map[string]interface{}) {
	respond(c, http.StatusUnprocessableEntity, ErrUnprocessable, "Unprocessable request", message, details)
}

// PayloadTooLarge returns a 413 response for uploads over the configured limit.
func PayloadTooLarge(c *gin.Context, message string) {
	respond(c, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge, "Payload too large", message, nil)
}

// ServiceUnavailable returns a 503 response, used when the server is at capacity
// or the request was abandoned.
func ServiceUnavailable(c *gin.Context, message string) {
	respond(c, http.StatusServiceUnavailable, ErrServiceUnavailable, "Service unavailable", message, nil)
}

// InternalServerError returns a 500 Internal Server Error response.
// The error is logged with full context; only message reaches the client.
func InternalServerError(c *gin.Context, message string, err error) {
	log := middleware.GetLogger(c)
	requestID := middleware.GetRequestID(c)

	if log != nil {
		log.Error("Internal server error", err, map[string]interface{}{
			"message":    message,
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
		})
	}

	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: ErrorDetail{
			Code:      ErrInternalServer,
			Message:   message,
			RequestID: requestID,
		},
	})
}

// ValidationError returns a 400 Bad Request error response with field-specific validation errors.
func ValidationError(c *gin.Context, validationErrors validator.ValidationErrors) {
	details := make(map[string]interface{})
	for _, err := range validationErrors {
		details[err.Field()] = formatValidationError(err)
	}

	respond(c, http.StatusBadRequest, ErrValidation, "Validation error",
		"Validation failed for one or more fields", details)
}

// BindError reports a failed ShouldBind* call: validator failures list the
// offending fields, anything else (malformed numbers, bad form data) is a plain 400.
func BindError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if stderrors.As(err, &validationErrors) {
		ValidationError(c, validationErrors)
		return
	}
	BadRequest(c, "Invalid request parameters", map[string]interface{}{"error": err.Error()})
}

// formatValidationError converts a validator.FieldError to a human-readable message.
func formatValidationError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is too short or small (minimum: " + err.Param() + ")"
	case "max":
		return "Value is too long or large (maximum: " + err.Param() + ")"
	case "gt":
		return "Must be greater than " + err.Param()
	case "gte":
		return "Must be greater than or equal to " + err.Param()
	case "lte":
		return "Must be less than or equal to " + err.Param()
	case "oneof":
		return "Must be one of: " + err.Param()
	case "excludesall":
		return "Must not contain any of: " + err.Param()
	default:
		return "Validation failed for tag: " + err.Tag()
	}
}
