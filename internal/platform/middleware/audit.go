package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/auth"
)

// AuditEntry records who changed or read what in the pharmacy API.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Resource   string // first path segment after /api/v1/, e.g. "drug-batches"
	ResourceID string
	PatientID  string
	Action     string // read, create, update, delete
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries in addition to the log line.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating /api/v1 request and every read that exposes a
// patient's dispensing history.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				Action:     httpMethodToAction(req.Method),
				IPAddress:  c.RealIP(),
				StatusCode: c.Response().Status,
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
			}
			entry.Resource, entry.ResourceID = splitResource(path)
			entry.PatientID = extractPatientID(c)
			if entry.Action == "read" && entry.PatientID == "" {
				return err
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.TenantID, _ = c.Get("tenant_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "pharmacy_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("audit")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitResource returns the resource segment and, when the next segment is a
// UUID, the resource id.
//
//	/api/v1/drug-batches                          -> drug-batches, ""
//	/api/v1/drug-batches/<id>/adjust-quantity     -> drug-batches, <id>
func splitResource(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	resource := segments[0]
	if resource == "" {
		resource = "unknown"
	}
	if len(segments) > 1 && isUUIDLike(segments[1]) {
		return resource, segments[1]
	}
	return resource, ""
}

// extractPatientID finds a patient id in /patient/<id> path segments or the
// patientId query parameter.
func extractPatientID(c echo.Context) string {
	segments := strings.Split(c.Request().URL.Path, "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "patient" && isUUIDLike(segments[i+1]) {
			return segments[i+1]
		}
	}
	return c.QueryParam("patientId")
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return s != "" && err == nil
}
