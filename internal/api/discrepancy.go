package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/railzwaylabs/dirsync/internal/remediation"
)

type remediateBody struct {
	Action    string `json:"action"`
	Direction string `json:"direction"`
	DryRun    bool   `json:"dry_run"`
}

type bulkRemediateBody struct {
	Items  []remediation.Item `json:"items"`
	DryRun bool               `json:"dry_run"`
}

func (r *Router) ListDiscrepancies(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		r.badRequest(c, err.Error())
		return
	}

	page, err := r.remediation.List(c.Request.Context(), remediation.ListRequest{
		ConnectorID: c.Param("connector_id"),
		RunID:       q.RunID,
		Type:        q.Type,
		Status:      q.Status,
		Limit:       q.Limit,
		Offset:      q.Offset,
	})
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (r *Router) RemediateDiscrepancy(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	var body remediateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		r.badRequest(c, err.Error())
		return
	}

	out, err := r.remediation.Remediate(c.Request.Context(), remediation.Request{
		ConnectorID:   c.Param("connector_id"),
		DiscrepancyID: id,
		Action:        body.Action,
		Direction:     body.Direction,
		DryRun:        body.DryRun,
	})
	if err != nil {
		r.respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if out.DryRun {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func (r *Router) BulkRemediate(c *gin.Context) {
	var body bulkRemediateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		r.badRequest(c, err.Error())
		return
	}

	res, err := r.remediation.BulkRemediate(c.Request.Context(), remediation.BulkRequest{
		ConnectorID: c.Param("connector_id"),
		Items:       body.Items,
		DryRun:      body.DryRun,
	})
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) IgnoreDiscrepancy(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}

	d, err := r.remediation.Ignore(c.Request.Context(), c.Param("connector_id"), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
