package context_service

import (
	"fmt"
	"net/http"

	"github.com/censync/go-dto"
	"github.com/censync/go-validator"
	"github.com/labstack/echo/v4"
)

// ContextService wraps the echo context with the response envelope and the
// form-to-DTO binding the operator handlers rely on.
type ContextService struct {
	echo.Context
}

func New(c echo.Context) *ContextService {
	return &ContextService{
		c,
	}
}

// ResultResponse is the envelope of every successful operator API reply.
type ResultResponse struct {
	Result interface{} `json:"result"`
}

// ErrorResponse is the envelope of every failed operator API reply. It
// implements error so handlers can return it directly.
type ErrorResponse struct {
	Result       interface{} `json:"result"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

func (e *ErrorResponse) Error() string {
	if e == nil {
		return ""
	}
	return e.ErrorMessage
}

// bindToRequest fills the request form from path, query and body parameters
// and validates it. A failure is already written to the response.
func (cs *ContextService) bindToRequest(request interface{}) error {
	if err := cs.Bind(request); err != nil {
		return cs.JsonError(http.StatusBadRequest, fmt.Errorf("failed to read request body: %v", err))
	}
	if err := validator.Validate(request); !err.IsEmpty() {
		return cs.JsonError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// BindToDTO binds and validates the request form, then converts it into the
// DTO the node service consumes.
func (cs *ContextService) BindToDTO(requestForm, dtoForm interface{}) error {
	if err := cs.bindToRequest(requestForm); err != nil {
		return err
	}
	if err := dto.RequestToDTO(dtoForm, requestForm); err != nil {
		return cs.JsonError(http.StatusBadRequest, err)
	}
	return nil
}

func (cs *ContextService) Json(code int, data interface{}) error {
	if data == nil {
		data = struct{}{}
	}
	return cs.JSON(code, &ResultResponse{
		Result: data,
	})
}

func (cs *ContextService) JsonError(code int, err error) error {
	message := "undefined error"
	if err != nil {
		message = err.Error()
	}
	return cs.JSON(code, &ErrorResponse{
		Result:       struct{}{},
		ErrorMessage: message,
	})
}
