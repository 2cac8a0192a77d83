package server

import (
	"github.com/gin-gonic/gin"

	"masterd/internal/config"
)

// NewRouter builds the Gin router with the configured API handlers. Health
// and status are open; operations and pipeline routes sit behind the stats
// token.
func NewRouter(cfg *config.Settings, deps Deps) *gin.Engine {
	router := gin.Default()

	handler := newHandler(cfg, deps)
	auth := authMiddleware(cfg)

	router.GET(HealthEndpoint, handler.health)
	router.GET(StatusEndpoint, handler.status)
	router.POST(ReloadEndpoint, auth, handler.reload)
	router.POST(StopEndpoint, auth, handler.stop)
	router.POST(PipelinesPath, auth, handler.createRun)
	router.GET(PipelinesPath, auth, handler.listRuns)
	router.GET(PipelinesPath+"/:id", auth, handler.getRun)

	return router
}
