package http

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/export"
	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

const (
	maxTopK     = 100
	maxMessages = 500

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleAppend(c echo.Context) error {
	var req AppendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages field is required")
	}
	if len(req.Messages) > maxMessages {
		return echo.NewHTTPError(http.StatusBadRequest, "too many messages")
	}
	if err := s.memory.Append(c.Request().Context(), c.Param("owner"), req.Messages...); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, AppendResponse{Accepted: len(req.Messages)})
}

func (s *Server) handleRecent(c echo.Context) error {
	limit, err := intQuery(c, "limit", 0, 0)
	if err != nil {
		return err
	}
	msgs, err := s.memory.Recent(c.Request().Context(), c.Param("owner"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessagesResponse{Messages: msgs})
}

func (s *Server) handleContext(c echo.Context) error {
	topK, err := intQuery(c, "top_k", 0, maxTopK)
	if err != nil {
		return err
	}
	res, err := s.memory.Context(c.Request().Context(), c.Param("owner"), strings.TrimSpace(c.QueryParam("q")), topK)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleSearch(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	topK, err := intQuery(c, "top_k", 0, maxTopK)
	if err != nil {
		return err
	}
	results, err := s.memory.Search(c.Request().Context(), c.Param("owner"), query, topK)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

func (s *Server) handleGet(c echo.Context) error {
	rec, ok, err := s.memory.Get(c.Request().Context(), c.Param("owner"), c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, memory.ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Memories) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "memories field is required")
	}
	res, err := s.memory.Ingest(c.Request().Context(), c.Param("owner"), req.Memories)
	if err != nil {
		return err
	}
	out := IngestResponse{Candidates: res.Candidates, Tags: res.Tags, Added: res.Added}
	if out.Added == nil {
		out.Added = []memory.Record{}
	}
	if res.GraphErr != nil {
		out.GraphError = res.GraphErr.Error()
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleTags(c echo.Context) error {
	tags, err := s.memory.Tags(c.Request().Context(), c.Param("owner"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TagsResponse{Tags: tags})
}

func (s *Server) handleExport(c echo.Context) error {
	owner := c.Param("owner")
	var buf bytes.Buffer
	if _, err := s.memory.WriteExport(c.Request().Context(), owner, &buf); err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+owner+`_memories.xlsx"`)
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (s *Server) handleDelete(c echo.Context) error {
	report, err := s.memory.DeleteUser(c.Request().Context(), c.Param("owner"))
	if err != nil {
		return err
	}
	resp := DeleteResponse{
		Owner:   report.Owner,
		Status:  string(report.Status()),
		Targets: make(map[string]string, len(report.Targets)),
	}
	for target, err := range report.Targets {
		if err != nil {
			resp.Targets[target] = err.Error()
		} else {
			resp.Targets[target] = "ok"
		}
	}

	code := http.StatusOK
	switch report.Status() {
	case ltm.StatusPartial:
		code = http.StatusMultiStatus
	case ltm.StatusFailed:
		code = http.StatusInternalServerError
	}
	return c.JSON(code, resp)
}

// intQuery parses an optional non-negative integer parameter, capped at
// ceiling when ceiling is positive.
func intQuery(c echo.Context, name string, def, ceiling int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}

// handleError maps domain errors to status codes and writes an
// ErrorResponse.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	case errors.Is(err, memory.ErrEmptyOwner),
		errors.Is(err, memory.ErrInvalidOwner),
		errors.Is(err, memory.ErrInvalidRole),
		errors.Is(err, memory.ErrEmptySummary):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, memory.ErrNotFound), errors.Is(err, export.ErrNothingToExport):
		code, msg = http.StatusNotFound, err.Error()
	}

	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err))
	}

	resp := ErrorResponse{Error: msg, RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}
