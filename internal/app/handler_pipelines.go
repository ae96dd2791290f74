package app

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SelimCelen/dataflowhub/internal/execution"
	"github.com/SelimCelen/dataflowhub/internal/pipeline"
)

func (app *AppContext) listPipelines(c *gin.Context) {
	list, err := app.Pipelines.List()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (app *AppContext) listTemplates(c *gin.Context) {
	list, err := app.Pipelines.ListTemplates()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (app *AppContext) createPipeline(c *gin.Context) {
	var in pipeline.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	if in.Name == "" {
		badRequest(c, fmt.Errorf("name is required"))
		return
	}
	p, err := app.Pipelines.Create(in)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (app *AppContext) getPipeline(c *gin.Context) {
	p, err := app.Pipelines.Get(c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (app *AppContext) updatePipeline(c *gin.Context) {
	var in pipeline.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	p, err := app.Pipelines.Update(c.Param("id"), in)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (app *AppContext) deletePipeline(c *gin.Context) {
	if err := app.Pipelines.Delete(c.Param("id")); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "pipeline deleted"})
}

// executePipeline runs the pipeline inline and answers with the final
// record.
func (app *AppContext) executePipeline(c *gin.Context) {
	var req execution.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := app.Executions.StartSync(c.Request.Context(), req)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (app *AppContext) executePipelineAsync(c *gin.Context) {
	var req execution.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := app.Executions.Submit(c.Request.Context(), req)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (app *AppContext) listExecutions(c *gin.Context) {
	recs, err := app.Executions.List(c.Request.Context())
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (app *AppContext) getExecution(c *gin.Context) {
	rec, err := app.Executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (app *AppContext) getExecutionStatus(c *gin.Context) {
	st, err := app.Executions.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (app *AppContext) getExecutionLogs(c *gin.Context) {
	id := c.Param("id")
	operator := c.Query("operator")
	logs, err := app.Executions.Logs(c.Request.Context(), id, operator)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "operator": operator, "logs": logs})
}

func (app *AppContext) getExecutionResult(c *gin.Context) {
	var step *int
	if s := c.Query("step"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, fmt.Errorf("invalid step %q", s))
			return
		}
		step = &n
	}
	limit := execution.DefaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			badRequest(c, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	res, err := app.Executions.Result(c.Request.Context(), c.Param("id"), step, limit)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (app *AppContext) killExecution(c *gin.Context) {
	id := c.Param("id")
	if !app.Executions.Kill(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found or already finished"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "message": "execution killed"})
}
