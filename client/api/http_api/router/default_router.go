package router

import (
	"github.com/labstack/echo/v4"

	"github.com/avsguild/contributor/client/api/http_api/handlers"
	"github.com/avsguild/contributor/client/services/node"
)

func SetRouter(e *echo.Echo, node node.NodeService) {
	h := handlers.NewHTTPApp(node)

	e.GET("/health", h.Health)
	e.GET("/getPubKey", h.GetPubKey)

	e.GET("/getSessions", h.GetSessions)
	e.GET("/getSessionByTaskID", h.GetSessionByTaskID)

	e.GET("/getCertificates", h.GetCertificates)
	e.GET("/getCertificateByTaskID", h.GetCertificateByTaskID)

	e.POST("/abortSession", h.AbortSession)
	e.POST("/resetState", h.ResetState)
}
