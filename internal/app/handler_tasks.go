package app

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

func (app *AppContext) listTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	executorType := models.ExecutorType(c.Query("executor_type"))
	tasks, err := app.Tasks.List(status, executorType)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (app *AppContext) createTask(c *gin.Context) {
	var input struct {
		DatasetID    string              `json:"dataset_id"`
		ExecutorName string              `json:"executor_name" binding:"required"`
		ExecutorType models.ExecutorType `json:"executor_type"`
		Meta         map[string]any      `json:"meta"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	switch input.ExecutorType {
	case "":
		input.ExecutorType = models.ExecutorOperator
	case models.ExecutorOperator, models.ExecutorPipeline:
	default:
		badRequest(c, fmt.Errorf("invalid executor_type %q", input.ExecutorType))
		return
	}
	t, err := app.Tasks.Create(models.TaskRecord{
		DatasetID:    input.DatasetID,
		ExecutorName: input.ExecutorName,
		ExecutorType: input.ExecutorType,
		Meta:         input.Meta,
	})
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (app *AppContext) taskStatistics(c *gin.Context) {
	stats, err := app.Tasks.Statistics()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (app *AppContext) getTask(c *gin.Context) {
	t, err := app.Tasks.Get(c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (app *AppContext) updateTask(c *gin.Context) {
	var upd models.TaskUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err)
		return
	}
	t, err := app.Tasks.Update(c.Param("id"), upd)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (app *AppContext) deleteTask(c *gin.Context) {
	if err := app.Tasks.Delete(c.Param("id")); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task deleted"})
}

func (app *AppContext) startTask(c *gin.Context) {
	t, err := app.Tasks.Start(c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (app *AppContext) completeTask(c *gin.Context) {
	var input struct {
		OutputID string `json:"output_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
	}
	t, err := app.Tasks.Complete(c.Param("id"), input.OutputID)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (app *AppContext) failTask(c *gin.Context) {
	var input struct {
		ErrorMessage string `json:"error_message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	t, err := app.Tasks.Fail(c.Param("id"), input.ErrorMessage)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// cancelTask kills the execution behind a pipeline task. Other tasks only
// change state.
func (app *AppContext) cancelTask(c *gin.Context) {
	id := c.Param("id")
	t, err := app.Tasks.Get(id)
	if err != nil {
		app.respondError(c, err)
		return
	}
	if t.ExecutorType == models.ExecutorPipeline && app.Executions.Kill(c.Request.Context(), id) {
		if t, err = app.Tasks.Get(id); err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
		return
	}
	t, err = app.Tasks.Cancel(id)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
