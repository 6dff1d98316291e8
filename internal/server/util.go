package server

import (
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// cleanBasePath turns STATUS_BASE_PATH into a rooted prefix for the router
// group. The root itself maps to "" so routes are mounted at /healthz.
func cleanBasePath(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// writeJSON answers probes; orchestrator state must never be served from a cache.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Cache-Control", "no-store")
	c.JSON(code, v)
}
