package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	. "github.com/avsguild/contributor/client/api/dto"
	cs "github.com/avsguild/contributor/client/api/http_api/context_service"
	req "github.com/avsguild/contributor/client/api/http_api/requests"
	"github.com/avsguild/contributor/client/api/http_api/responses"
)

func (a *HTTPApp) GetPubKey(c echo.Context) error {
	stx := c.(*cs.ContextService)

	pubKey, err := a.node.GetPubKey()
	if err != nil {
		return stx.JsonError(http.StatusInternalServerError, fmt.Errorf("failed to get public key: %v", err))
	}
	return stx.Json(http.StatusOK, pubKey)
}

func (a *HTTPApp) Health(c echo.Context) error {
	stx := c.(*cs.ContextService)

	return stx.Json(http.StatusOK, &responses.HealthResponse{
		NodeID:       a.node.GetNodeID(),
		LiveSessions: len(a.node.GetSessions()),
	})
}

func (a *HTTPApp) GetSessions(c echo.Context) error {
	stx := c.(*cs.ContextService)

	return stx.Json(http.StatusOK, a.node.GetSessions())
}

func (a *HTTPApp) GetSessionByTaskID(c echo.Context) error {
	stx := c.(*cs.ContextService)

	formDTO := &TaskIdDTO{}
	if err := stx.BindToDTO(&req.TaskIdForm{}, formDTO); err != nil {
		return err
	}

	info, err := a.node.GetSessionInfo(formDTO)
	if err != nil {
		return stx.JsonError(http.StatusInternalServerError, fmt.Errorf("failed to get session: %v", err))
	}
	return stx.Json(http.StatusOK, info)
}

func (a *HTTPApp) GetCertificates(c echo.Context) error {
	stx := c.(*cs.ContextService)

	certificates, err := a.node.GetCertificates()
	if err != nil {
		return stx.JsonError(http.StatusInternalServerError, fmt.Errorf("failed to get certificates: %v", err))
	}
	return stx.Json(http.StatusOK, certificates)
}

func (a *HTTPApp) GetCertificateByTaskID(c echo.Context) error {
	stx := c.(*cs.ContextService)

	formDTO := &TaskIdDTO{}
	if err := stx.BindToDTO(&req.TaskIdForm{}, formDTO); err != nil {
		return err
	}

	certificate, err := a.node.GetCertificateByTaskID(formDTO)
	if err != nil {
		return stx.JsonError(http.StatusInternalServerError, fmt.Errorf("failed to get certificate: %v", err))
	}
	return stx.Json(http.StatusOK, certificate)
}

func (a *HTTPApp) AbortSession(c echo.Context) error {
	stx := c.(*cs.ContextService)

	formDTO := &TaskIdDTO{}
	if err := stx.BindToDTO(&req.TaskIdForm{}, formDTO); err != nil {
		return err
	}

	if err := a.node.AbortSession(formDTO); err != nil {
		return stx.JsonError(http.StatusInternalServerError, err)
	}
	return stx.Json(http.StatusOK, "ok")
}

func (a *HTTPApp) ResetState(c echo.Context) error {
	stx := c.(*cs.ContextService)

	formDTO := &ResetStateDTO{}
	if err := stx.BindToDTO(&req.ResetStateForm{}, formDTO); err != nil {
		return err
	}

	newStateDbPath, err := a.node.ResetState(formDTO)
	if err != nil {
		return stx.JsonError(http.StatusInternalServerError, err)
	}
	return stx.Json(http.StatusOK, newStateDbPath)
}
