package dashboardsvc

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Pipeline Dashboard</title></head>
<body>
<h1>Event Pipeline Dashboard</h1>
<p>Latest window summary is served at <a href="/data">/data</a>.</p>
</body>
</html>`

// RegisterRoutes mounts the Dashboard's three read-only routes.
func RegisterRoutes(e *echo.Echo, d *Dashboard) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/", func(c echo.Context) error {
		return c.HTML(http.StatusOK, indexHTML)
	})

	e.GET("/data", func(c echo.Context) error {
		return c.JSONBlob(http.StatusOK, d.Snapshot().Load())
	})
}
