package http_api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	cs "github.com/avsguild/contributor/client/api/http_api/context_service"
)

func newErrorContext(t *testing.T, method string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()

	e := echo.New()
	request := httptest.NewRequest(method, "/getSessions", nil)
	recorder := httptest.NewRecorder()
	return e.NewContext(request, recorder), recorder
}

func TestCustomHTTPErrorHandler_HTTPError(t *testing.T) {
	req := require.New(t)
	ctx, recorder := newErrorContext(t, http.MethodGet)

	customHTTPErrorHandler(echo.NewHTTPError(http.StatusNotFound, "no such route"), ctx)

	req.Equal(http.StatusInternalServerError, recorder.Code)

	var resp cs.ErrorResponse
	req.NoError(json.Unmarshal(recorder.Body.Bytes(), &resp))
	req.Equal("no such route", resp.ErrorMessage)
}

func TestCustomHTTPErrorHandler_PassesThroughErrorResponse(t *testing.T) {
	req := require.New(t)
	ctx, recorder := newErrorContext(t, http.MethodGet)

	customHTTPErrorHandler(&cs.ErrorResponse{ErrorMessage: "failed to abort session"}, ctx)

	var resp cs.ErrorResponse
	req.NoError(json.Unmarshal(recorder.Body.Bytes(), &resp))
	req.Equal("failed to abort session", resp.ErrorMessage)
}

func TestCustomHTTPErrorHandler_HeadRequestHasNoBody(t *testing.T) {
	req := require.New(t)
	ctx, recorder := newErrorContext(t, http.MethodHead)

	customHTTPErrorHandler(echo.NewHTTPError(http.StatusNotFound, "no such route"), ctx)

	req.Equal(http.StatusInternalServerError, recorder.Code)
	req.Empty(recorder.Body.Bytes())
}
