package context_service_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/avsguild/contributor/client/api/dto"
	"github.com/avsguild/contributor/client/api/http_api/context_service"
	"github.com/avsguild/contributor/client/api/http_api/requests"
)

func newContext(t *testing.T, target string) (*context_service.ContextService, *httptest.ResponseRecorder) {
	t.Helper()

	e := echo.New()
	request := httptest.NewRequest(http.MethodGet, target, nil)
	recorder := httptest.NewRecorder()
	return context_service.New(e.NewContext(request, recorder)), recorder
}

func TestContextService_Json(t *testing.T) {
	req := require.New(t)
	stx, recorder := newContext(t, "/getSessions")

	req.NoError(stx.Json(http.StatusOK, map[string]string{"task_id": "task-1"}))
	req.Equal(http.StatusOK, recorder.Code)

	var resp context_service.ResultResponse
	req.NoError(json.Unmarshal(recorder.Body.Bytes(), &resp))
	req.Equal(map[string]interface{}{"task_id": "task-1"}, resp.Result)
}

func TestContextService_JsonNilResult(t *testing.T) {
	req := require.New(t)
	stx, recorder := newContext(t, "/health")

	req.NoError(stx.Json(http.StatusOK, nil))

	var resp map[string]interface{}
	req.NoError(json.Unmarshal(recorder.Body.Bytes(), &resp))
	req.Contains(resp, "result")
	req.Equal(map[string]interface{}{}, resp["result"])
}

func TestContextService_JsonError(t *testing.T) {
	req := require.New(t)
	stx, recorder := newContext(t, "/getSessionByTaskID")

	req.NoError(stx.JsonError(http.StatusInternalServerError, fmt.Errorf("failed to get session: no session")))
	req.Equal(http.StatusInternalServerError, recorder.Code)

	var resp context_service.ErrorResponse
	req.NoError(json.Unmarshal(recorder.Body.Bytes(), &resp))
	req.Equal("failed to get session: no session", resp.ErrorMessage)
}

func TestContextService_BindToDTO(t *testing.T) {
	req := require.New(t)
	stx, _ := newContext(t, "/getCertificateByTaskID?taskID=task-7")

	var formDTO dto.TaskIdDTO
	req.NoError(stx.BindToDTO(&requests.TaskIdForm{}, &formDTO))
	req.Equal("task-7", formDTO.TaskID)
}

func TestContextService_BindToDTORejectsEmptyTaskID(t *testing.T) {
	req := require.New(t)
	stx, recorder := newContext(t, "/getCertificateByTaskID")

	var formDTO dto.TaskIdDTO
	_ = stx.BindToDTO(&requests.TaskIdForm{}, &formDTO)

	// Validation failure is written straight to the response.
	req.Equal(http.StatusBadRequest, recorder.Code)

	var resp context_service.ErrorResponse
	req.NoError(json.Unmarshal(recorder.Body.Bytes(), &resp))
	req.NotEmpty(resp.ErrorMessage)
}
