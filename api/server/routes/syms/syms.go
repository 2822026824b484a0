// Package syms provides the symbolication API routes
package syms

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/blacktop/symserver/api/types"
	"github.com/blacktop/symserver/internal/model"
	"github.com/blacktop/symserver/internal/symtab"
	"github.com/blacktop/symserver/internal/syms"
)

// swagger:response
type successResponse struct {
	Success bool   `json:"success,omitempty"`
	Status  string `json:"status,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// swagger:response
type symbolicateResponse struct {
	Resolutions []symtab.Resolution `json:"resolutions"`
}

// AddRoutes adds the syms routes to the router
func AddRoutes(rg *gin.RouterGroup, engine *syms.Engine) {
	// swagger:route POST /symbolicate Syms postSymbolicate
	//
	// Symbolicate
	//
	// Resolve a batch of crash addresses for a device/version/build triple.
	//
	//     Produces:
	//     - application/json
	//
	//     Responses:
	//       200: symbolicateResponse
	//       404: genericError
	//       500: genericError
	rg.POST("/symbolicate", func(c *gin.Context) {
		var req types.SymbolicateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.GenericError{Error: err.Error()})
			return
		}
		addrs := make([]uint64, 0, len(req.Addresses))
		for _, a := range req.Addresses {
			addr, err := parseAddr(a)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, types.GenericError{Error: "bad address " + a})
				return
			}
			addrs = append(addrs, addr)
		}
		tolerance, err := parseAddr(req.Tolerance)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.GenericError{Error: "bad tolerance " + req.Tolerance})
			return
		}
		out, err := engine.ResolveBatch(c.Request.Context(), addrs, req.Device, req.Version, req.Build, tolerance)
		if err != nil {
			abortPipeline(c, err)
			return
		}
		c.JSON(http.StatusOK, symbolicateResponse{Resolutions: out})
	})
	// swagger:route POST /scan Syms postScan
	//
	// Scan
	//
	// Make the symbol table for a firmware resident in the cache.
	//
	//     Produces:
	//     - application/json
	//
	//     Responses:
	//       200: successResponse
	//       404: genericError
	//       500: genericError
	rg.POST("/scan", func(c *gin.Context) {
		var req types.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.GenericError{Error: err.Error()})
			return
		}
		res, err := engine.EnsureAvailable(c.Request.Context(), req.Device, req.Version, req.Build, req.Force)
		if err != nil {
			abortPipeline(c, err)
			return
		}
		c.JSON(http.StatusOK, successResponse{
			Success: true,
			Status:  string(res.Status),
			Detail:  res.Detail,
		})
	})
	// swagger:route GET /stats Syms getStats
	//
	// Stats
	//
	// Get cache usage and hit/miss counters.
	//
	//     Produces:
	//     - application/json
	//
	//     Responses:
	//       200: statsResponse
	//       500: genericError
	rg.GET("/stats", func(c *gin.Context) {
		st, err := engine.CacheStats()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, types.GenericError{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})
	// swagger:route GET /records Syms getRecords
	//
	// Records
	//
	// List cache record metadata.
	//
	//     Produces:
	//     - application/json
	//
	//     Responses:
	//       200: recordsResponse
	//       500: genericError
	rg.GET("/records", func(c *gin.Context) {
		recs, err := engine.Records()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, types.GenericError{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	})
	// swagger:route POST /cleanup Syms postCleanup
	//
	// Cleanup
	//
	// Run one eviction pass now.
	//
	//     Produces:
	//     - application/json
	//
	//     Responses:
	//       200: successResponse
	//       500: genericError
	rg.POST("/cleanup", func(c *gin.Context) {
		if err := engine.Cleanup(); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, types.GenericError{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, successResponse{Success: true})
	})
}

// parseAddr accepts hex (0x-prefixed or not) and decimal address forms.
func parseAddr(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	if n, err := strconv.ParseUint(s, 16, 64); err == nil {
		return n, nil
	}
	return cast.ToUint64E(s)
}

func abortPipeline(c *gin.Context, err error) {
	var perr *model.PipelineError
	if errors.As(err, &perr) {
		switch perr.Reason {
		case model.ReasonNotFound:
			c.AbortWithStatusJSON(http.StatusNotFound, types.GenericError{Error: perr.Error()})
			return
		case model.ReasonTimeout:
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, types.GenericError{Error: perr.Error()})
			return
		}
	}
	if errors.Is(err, model.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, types.GenericError{Error: err.Error()})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, types.GenericError{Error: err.Error()})
}
