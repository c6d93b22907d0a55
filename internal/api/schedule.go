package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/railzwaylabs/dirsync/internal/scheduler"
)

type scheduleBody struct {
	Mode           string `json:"mode"`
	Frequency      string `json:"frequency"`
	CronExpression string `json:"cron_expression"`
	DayOfWeek      *int   `json:"day_of_week"`
	DayOfMonth     *int   `json:"day_of_month"`
	HourOfDay      *int   `json:"hour_of_day"`
	Enabled        *bool  `json:"enabled"`
}

type triggerRunBody struct {
	Mode   string `json:"mode"`
	DryRun bool   `json:"dry_run"`
}

func (r *Router) GetSchedule(c *gin.Context) {
	sc, err := r.scheduler.Get(c.Request.Context(), c.Param("connector_id"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (r *Router) PutSchedule(c *gin.Context) {
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		r.badRequest(c, err.Error())
		return
	}

	sc, err := r.scheduler.Upsert(c.Request.Context(), scheduler.UpsertRequest{
		ConnectorID:    c.Param("connector_id"),
		Mode:           body.Mode,
		Frequency:      body.Frequency,
		CronExpression: body.CronExpression,
		DayOfWeek:      body.DayOfWeek,
		DayOfMonth:     body.DayOfMonth,
		HourOfDay:      body.HourOfDay,
		Enabled:        body.Enabled,
	})
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (r *Router) DeleteSchedule(c *gin.Context) {
	if err := r.scheduler.Delete(c.Request.Context(), c.Param("connector_id")); err != nil {
		r.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) EnableSchedule(c *gin.Context) {
	sc, err := r.scheduler.Enable(c.Request.Context(), c.Param("connector_id"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (r *Router) DisableSchedule(c *gin.Context) {
	sc, err := r.scheduler.Disable(c.Request.Context(), c.Param("connector_id"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// TriggerRun runs a reconciliation now and returns once it has finished.
func (r *Router) TriggerRun(c *gin.Context) {
	var body triggerRunBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			r.badRequest(c, err.Error())
			return
		}
	}
	if body.Mode == "" {
		body.Mode = "full"
	}

	res, err := r.scheduler.TriggerRun(c.Request.Context(), c.Param("connector_id"), body.Mode, body.DryRun)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) ListRuns(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		r.badRequest(c, err.Error())
		return
	}
	runs, total, err := r.scheduler.ListRuns(c.Request.Context(), c.Param("connector_id"), q.Limit, q.Offset)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs, "total": total})
}

func (r *Router) GetRun(c *gin.Context) {
	id, ok := r.pathID(c, "id")
	if !ok {
		return
	}
	rn, err := r.scheduler.GetRun(c.Request.Context(), c.Param("connector_id"), id)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rn)
}
