package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/railzwaylabs/dirsync/internal/deadletter"
	"github.com/railzwaylabs/dirsync/internal/engine"
)

type pageQuery struct {
	ConnectorID string `form:"connector_id"`
	RunID       int64  `form:"run_id"`
	Type        string `form:"type"`
	Status      string `form:"status"`
	Limit       int    `form:"limit"`
	Offset      int    `form:"offset"`
}

type resolveBody struct {
	Notes string `json:"notes"`
}

type confirmBody struct {
	Success *bool  `json:"success" binding:"required"`
	Detail  string `json:"detail"`
}

func (r *Router) GetOperation(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	op, err := r.operations.Get(c.Request.Context(), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (r *Router) ListOperationAttempts(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	attempts, err := r.operations.Attempts(c.Request.Context(), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": attempts})
}

func (r *Router) ListOperationLogs(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	logs, err := r.operations.Logs(c.Request.Context(), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": logs})
}

func (r *Router) RetryOperation(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	op, err := r.operations.Retry(c.Request.Context(), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (r *Router) CancelOperation(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	op, err := r.operations.Cancel(c.Request.Context(), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (r *Router) ResolveOperation(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		r.badRequest(c, err.Error())
		return
	}
	op, err := r.deadLetter.Resolve(c.Request.Context(), id, body.Notes)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// ConfirmOperation receives the asynchronous verdict of a target that
// accepted a write for later processing.
func (r *Router) ConfirmOperation(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		r.badRequest(c, err.Error())
		return
	}
	op, err := r.operations.Confirm(c.Request.Context(), id, engine.ConfirmRequest{Success: *body.Success, Detail: body.Detail})
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (r *Router) ListDeadLetter(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		r.badRequest(c, err.Error())
		return
	}
	page, err := r.deadLetter.List(c.Request.Context(), deadletter.Filter{
		ConnectorID: q.ConnectorID,
		Limit:       q.Limit,
		Offset:      q.Offset,
	})
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (r *Router) RetryDeadLetter(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	op, err := r.deadLetter.Retry(c.Request.Context(), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}
