package ingest

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/platform/artifact"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/runs", h.CreateRun)
	api.POST("/runs/:id/merge", h.MergeRun)
	api.GET("/runs/:id/artifacts", h.ListArtifacts)
	api.GET("/runs/:id/artifacts/:name", h.GetArtifact)
}

// CreateRun imports the files of a multipart upload. Form fields:
// person_id, source, mode, tz, format; files under "file".
func (h *Handler) CreateRun(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form: "+err.Error())
	}

	mode, err := ParseMode(c.FormValue("mode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var loc *time.Location
	if tz := strings.TrimSpace(c.FormValue("tz")); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown time zone: "+tz)
		}
	}

	var inputs []Input
	for _, fh := range form.File["file"] {
		data, err := readUpload(fh)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return echo.NewHTTPError(http.StatusBadRequest, "read upload "+fh.Filename+": "+err.Error())
		}
		inputs = append(inputs, BytesInput(fh.Filename, data))
	}

	summary, err := h.svc.Run(c.Request().Context(), RunParams{
		PersonID: c.FormValue("person_id"),
		Source:   c.FormValue("source"),
		Inputs:   inputs,
		Location: loc,
		Mode:     mode,
		Format:   parser.Format(c.FormValue("format")),
	})
	switch {
	case errors.Is(err, ErrPersonRequired), errors.Is(err, ErrNoInputs), errors.Is(err, parser.ErrUnknownFormat):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStoreRequired):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, summary)
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) MergeRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	res, err := h.svc.Merge(c.Request().Context(), runID)
	switch {
	case errors.Is(err, ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "import run not found")
	case errors.Is(err, ErrStoreRequired):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListArtifacts(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	names, err := h.svc.Artifacts(c.Request().Context(), runID)
	if errors.Is(err, artifact.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no artifacts for run")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":    runID,
		"artifacts": names,
	})
}

func (h *Handler) GetArtifact(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	name := c.Param("name")
	rc, err := h.svc.OpenArtifact(c.Request().Context(), runID, name)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	case errors.Is(err, artifact.ErrInvalidName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()

	contentType := "application/x-ndjson"
	if strings.HasSuffix(name, ".json") {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Stream(http.StatusOK, contentType, rc)
}
