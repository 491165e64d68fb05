package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Team CRUD needs the database-backed service; these tests cover the
// request validation the handlers perform before touching it.

func TestCreateTeamRejectsMalformedBody(t *testing.T) {
	e := echo.New()
	s := &Server{}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name": `))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.createTeamHandler(c)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestListTeamsRejectsUnknownStatus(t *testing.T) {
	e := echo.New()
	s := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/?status=paused", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.listTeamsHandler(c)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.Contains(t, he.Error(), "invalid status")
}

func TestTeamIDRequired(t *testing.T) {
	e := echo.New()
	s := &Server{}

	handlers := map[string]func(*echo.Context) error{
		"get":      s.getTeamHandler,
		"update":   s.updateTeamHandler,
		"delete":   s.deleteTeamHandler,
		"validate": s.validateTopologyHandler,
		"trigger":  s.triggerExecutionHandler,
		"list":     s.listExecutionsHandler,
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler(c)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok)
			assert.Equal(t, http.StatusBadRequest, he.Code)
		})
	}
}

func TestParsePage(t *testing.T) {
	e := echo.New()

	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{name: "defaults", query: "", wantLimit: 20, wantOffset: 0},
		{name: "explicit", query: "?limit=50&offset=10", wantLimit: 50, wantOffset: 10},
		{name: "clamped to max", query: "?limit=5000", wantLimit: 100, wantOffset: 0},
		{name: "negative offset", query: "?offset=-5", wantLimit: 20, wantOffset: 0},
		{name: "garbage ignored", query: "?limit=abc&offset=xyz", wantLimit: 20, wantOffset: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			c := e.NewContext(req, httptest.NewRecorder())

			limit, offset := parsePage(c)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}
