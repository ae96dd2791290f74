package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/execution"
	"github.com/SelimCelen/dataflowhub/internal/opregistry"
	"github.com/SelimCelen/dataflowhub/internal/pipeline"
	"github.com/SelimCelen/dataflowhub/internal/registry"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

func (app *AppContext) initRouter() {
	app.Router = gin.New()
	app.Router.Use(gin.Recovery())
	app.Router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Set("start", start)
		c.Next()
		app.Log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	})

	app.Router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	app.Router.GET("/metrics", gin.WrapH(app.Metrics.Handler()))

	api := app.Router.Group("/api/v1")
	{
		// Pipelines
		api.GET("/pipelines", app.listPipelines)
		api.POST("/pipelines", app.createPipeline)
		api.GET("/pipelines/templates", app.listTemplates)
		api.POST("/pipelines/execute", app.executePipeline)
		api.POST("/pipelines/execute-async", app.executePipelineAsync)
		api.GET("/pipelines/executions", app.listExecutions)
		api.GET("/pipelines/execution/:id", app.getExecution)
		api.GET("/pipelines/execution/:id/status", app.getExecutionStatus)
		api.GET("/pipelines/execution/:id/logs", app.getExecutionLogs)
		api.GET("/pipelines/execution/:id/result", app.getExecutionResult)
		api.POST("/pipelines/execution/:id/kill", app.killExecution)
		api.GET("/pipelines/:id", app.getPipeline)
		api.PUT("/pipelines/:id", app.updatePipeline)
		api.DELETE("/pipelines/:id", app.deletePipeline)

		// Operators
		api.GET("/operators", app.listOperators)
		api.GET("/operators/details", app.listOperatorDetails)
		api.GET("/operators/details/:name", app.getOperatorDetails)
		api.POST("/operators/refresh", app.refreshOperators)
		api.POST("/operators/scripts", app.uploadScript)
		api.GET("/operators/scripts", app.listScripts)
		api.DELETE("/operators/scripts/:name", app.deleteScript)

		// Prompts
		api.GET("/prompts", app.listPrompts)
		api.GET("/prompts/operator/:name", app.getOperatorPrompts)

		// Datasets
		api.GET("/datasets", app.listDatasets)
		api.POST("/datasets", app.registerDataset)
		api.GET("/datasets/:id", app.getDataset)
		api.DELETE("/datasets/:id", app.deleteDataset)

		// Servings
		api.GET("/serving", app.listServings)
		api.GET("/serving/classes", app.listServingClasses)
		api.POST("/serving", app.createServing)
		api.GET("/serving/:id", app.getServing)
		api.PUT("/serving/:id", app.updateServing)
		api.DELETE("/serving/:id", app.deleteServing)

		// Text2SQL
		api.GET("/text2sql/databases", app.listDatabases)
		api.POST("/text2sql/databases", app.registerDatabase)
		api.GET("/text2sql/databases/:id", app.getDatabase)
		api.DELETE("/text2sql/databases/:id", app.deleteDatabase)
		api.GET("/text2sql/managers", app.listManagers)
		api.POST("/text2sql/managers", app.createManager)
		api.GET("/text2sql/managers/:id", app.getManager)
		api.PUT("/text2sql/managers/:id", app.updateManager)
		api.DELETE("/text2sql/managers/:id", app.deleteManager)

		// Tasks
		api.GET("/tasks", app.listTasks)
		api.POST("/tasks", app.createTask)
		api.GET("/tasks/statistics", app.taskStatistics)
		api.GET("/tasks/:id", app.getTask)
		api.PATCH("/tasks/:id", app.updateTask)
		api.DELETE("/tasks/:id", app.deleteTask)
		api.POST("/tasks/:id/start", app.startTask)
		api.POST("/tasks/:id/complete", app.completeTask)
		api.POST("/tasks/:id/fail", app.failTask)
		api.POST("/tasks/:id/cancel", app.cancelTask)
	}
}

// respondError maps domain errors to status codes.
func (app *AppContext) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, opregistry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, opregistry.ErrCacheCorrupted):
		msg = "operator cache corrupted"
	case errors.Is(err, pipeline.ErrOperatorRenamed),
		errors.Is(err, execution.ErrInvalidRequest),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, registry.ErrNotSQLite),
		errors.Is(err, registry.ErrUnsupportedExt):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		app.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
