package app

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/SelimCelen/dataflowhub/internal/registry"
)

const maskedSecret = registry.MaskedValue

func (app *AppContext) listDatasets(c *gin.Context) {
	list, err := app.Datasets.List()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// registerDataset indexes a file that already exists on disk.
func (app *AppContext) registerDataset(c *gin.Context) {
	var input struct {
		Path string `json:"path" binding:"required"`
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	path := input.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(app.Config.DataDir, path)
	}
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		badRequest(c, fmt.Errorf("dataset file not found: %s", input.Path))
		return
	}
	d, err := app.Datasets.AddOrUpdate(registry.Dataset{Root: path, Name: input.Name, Type: input.Type})
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (app *AppContext) getDataset(c *gin.Context) {
	d, err := app.Datasets.Get(c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (app *AppContext) deleteDataset(c *gin.Context) {
	if err := app.Datasets.Remove(c.Param("id")); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "dataset removed"})
}

// maskServing hides the api key in API responses.
func maskServing(info registry.ServingInfo) registry.ServingInfo {
	params := make([]registry.ServingParam, len(info.Params))
	for i, p := range info.Params {
		if p.Name == registry.SecretParam && p.Value != nil && p.Value != "" {
			p.Value = maskedSecret
		}
		params[i] = p
	}
	info.Params = params
	return info
}

func (app *AppContext) listServings(c *gin.Context) {
	list, err := app.Servings.Ordered()
	if err != nil {
		app.respondError(c, err)
		return
	}
	for i := range list {
		list[i] = maskServing(list[i])
	}
	c.JSON(http.StatusOK, list)
}

func (app *AppContext) listServingClasses(c *gin.Context) {
	c.JSON(http.StatusOK, app.Servings.ServingClasses())
}

type servingInput struct {
	Name    string                  `json:"name"`
	ClsName string                  `json:"cls_name"`
	Params  []registry.ServingParam `json:"params"`
}

func (app *AppContext) createServing(c *gin.Context) {
	var input servingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	if input.Name == "" || input.ClsName == "" {
		badRequest(c, fmt.Errorf("name and cls_name are required"))
		return
	}
	if _, ok := app.Servings.ServingClasses()[input.ClsName]; !ok {
		badRequest(c, fmt.Errorf("unknown serving class %q", input.ClsName))
		return
	}
	id, err := app.Servings.Set(input.Name, input.ClsName, input.Params)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (app *AppContext) getServing(c *gin.Context) {
	info, err := app.Servings.Get(c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, maskServing(info))
}

func (app *AppContext) updateServing(c *gin.Context) {
	var input servingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := app.Servings.Update(id, input.Name, input.Params); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "message": "serving updated"})
}

func (app *AppContext) deleteServing(c *gin.Context) {
	if err := app.Servings.Delete(c.Param("id")); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "serving deleted"})
}

func (app *AppContext) listDatabases(c *gin.Context) {
	list, err := app.Text2SQL.List()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// registerDatabase copies a SQLite file from disk into the managed root.
func (app *AppContext) registerDatabase(c *gin.Context) {
	var input struct {
		Path        string `json:"path" binding:"required"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := os.Stat(input.Path); err != nil {
		badRequest(c, fmt.Errorf("database file not found: %s", input.Path))
		return
	}
	db, err := app.Text2SQL.Register(input.Path, input.Name, input.Description)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, db)
}

func (app *AppContext) getDatabase(c *gin.Context) {
	db, err := app.Text2SQL.Get(c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, db)
}

func (app *AppContext) deleteDatabase(c *gin.Context) {
	if err := app.Text2SQL.Delete(c.Param("id")); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "database deleted"})
}

func (app *AppContext) listManagers(c *gin.Context) {
	list, err := app.Managers.List()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (app *AppContext) createManager(c *gin.Context) {
	var info registry.DatabaseManagerInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		badRequest(c, err)
		return
	}
	if info.Name == "" {
		badRequest(c, fmt.Errorf("manager name is required"))
		return
	}
	for _, id := range info.SelectedDBIDs {
		if _, err := app.Text2SQL.Get(id); err != nil {
			badRequest(c, fmt.Errorf("unknown database id %q", id))
			return
		}
	}
	created, err := app.Managers.Create(info)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (app *AppContext) getManager(c *gin.Context) {
	info, err := app.Managers.Get(c.Param("id"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (app *AppContext) updateManager(c *gin.Context) {
	var upd registry.DatabaseManagerUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err)
		return
	}
	info, err := app.Managers.Update(c.Param("id"), upd)
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (app *AppContext) deleteManager(c *gin.Context) {
	if err := app.Managers.Delete(c.Param("id")); err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "manager deleted"})
}
