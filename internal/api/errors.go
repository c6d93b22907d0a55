package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/domain/errs"
	"github.com/railzwaylabs/dirsync/pkg/snowflake"
)

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindState, errs.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": kind, "message": ...}. Unclassified
// errors are logged and hidden from the caller.
func (r *Router) respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	_ = c.Error(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		r.logger.Error("request_failed",
			zap.String("route", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": string(kind), "message": message})
}

func (r *Router) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": string(errs.KindValidation), "message": message})
}

func (r *Router) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := snowflake.ParseID(c.Param(name))
	if err != nil || id <= 0 {
		r.badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}
