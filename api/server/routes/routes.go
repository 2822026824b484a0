// Package routes contains all the routes for the API
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/blacktop/symserver/api/server/routes/daemon"
	symsroute "github.com/blacktop/symserver/api/server/routes/syms"
	"github.com/blacktop/symserver/internal/syms"
)

// Add adds the command routes to the router
func Add(rg *gin.RouterGroup, engine *syms.Engine) {
	daemon.AddRoutes(rg)
	symsroute.AddRoutes(rg, engine)
}
