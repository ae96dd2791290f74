package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/plugin"
	"github.com/SelimCelen/dataflowhub/internal/store"
)

var scriptName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func (app *AppContext) listOperators(c *gin.Context) {
	c.JSON(http.StatusOK, app.Operators.GetOpList(c.DefaultQuery("lang", "en")))
}

func (app *AppContext) listOperatorDetails(c *gin.Context) {
	all, err := app.Operators.GetOpDetailsAll()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

func (app *AppContext) getOperatorDetails(c *gin.Context) {
	meta, err := app.Operators.GetOpDetails(c.Param("name"))
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (app *AppContext) refreshOperators(c *gin.Context) {
	all, err := app.Operators.DumpOpsToJSON()
	if err != nil {
		app.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

// uploadScript compiles a script operator and stores it. With MongoDB it is
// upserted into the plugins collection, otherwise written to the scripts dir.
func (app *AppContext) uploadScript(c *gin.Context) {
	var input struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
		JavaScript  string `json:"javascript" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	name := strings.TrimSpace(input.Name)
	if !scriptName.MatchString(name) {
		badRequest(c, fmt.Errorf("invalid operator name %q", name))
		return
	}

	cls, err := plugin.NewScriptClass(name, input.JavaScript, app.Config.JSTimeout)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JavaScript: " + err.Error()})
		return
	}

	if app.MongoClient != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		now := time.Now().UTC()
		update := bson.M{
			"$set": bson.M{
				"name":        name,
				"description": input.Description,
				"javascript":  input.JavaScript,
				"updated_at":  now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		}
		opts := options.Update().SetUpsert(true)
		if _, err := app.plugins().UpdateOne(ctx, bson.M{"name": name}, update, opts); err != nil {
			app.respondError(c, err)
			return
		}
	} else {
		path := filepath.Join(app.Config.ScriptsDir, name+".js")
		if err := store.WriteFileAtomic(path, []byte(input.JavaScript)); err != nil {
			app.respondError(c, err)
			return
		}
	}

	app.Catalog.RegisterOperator(cls)
	if _, err := app.Operators.DumpOpsToJSON(); err != nil {
		app.Log.Warn("refresh operator cache", zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{"message": "operator uploaded/updated successfully", "name": name})
}

type scriptInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (app *AppContext) listScripts(c *gin.Context) {
	if app.MongoClient != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		cursor, err := app.plugins().Find(ctx, bson.M{})
		if err != nil {
			app.respondError(c, err)
			return
		}
		defer cursor.Close(ctx)

		var stored []Plugin
		if err := cursor.All(ctx, &stored); err != nil {
			app.respondError(c, err)
			return
		}
		out := make([]scriptInfo, 0, len(stored))
		for _, p := range stored {
			out = append(out, scriptInfo{Name: p.Name, Description: p.Description, Source: "mongo", UpdatedAt: p.UpdatedAt})
		}
		c.JSON(http.StatusOK, out)
		return
	}

	entries, err := os.ReadDir(app.Config.ScriptsDir)
	if err != nil && !os.IsNotExist(err) {
		app.respondError(c, err)
		return
	}
	out := []scriptInfo{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".js" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, scriptInfo{
			Name:      strings.TrimSuffix(e.Name(), ".js"),
			Source:    "file",
			UpdatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, out)
}

func (app *AppContext) deleteScript(c *gin.Context) {
	name := c.Param("name")
	if !scriptName.MatchString(name) {
		badRequest(c, fmt.Errorf("invalid operator name %q", name))
		return
	}

	if app.MongoClient != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		res, err := app.plugins().DeleteOne(ctx, bson.M{"name": name})
		if err != nil {
			app.respondError(c, err)
			return
		}
		if res.DeletedCount == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "script not found"})
			return
		}
	} else {
		err := os.Remove(filepath.Join(app.Config.ScriptsDir, name+".js"))
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "script not found"})
			return
		}
		if err != nil {
			app.respondError(c, err)
			return
		}
	}

	app.Catalog.RemoveOperator(name)
	if _, err := app.Operators.DumpOpsToJSON(); err != nil {
		app.Log.Warn("refresh operator cache", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "operator deleted"})
}

type promptInfo struct {
	Name      string   `json:"name"`
	TypePath  []string `json:"type_path"`
	Operators []string `json:"operators"`
	Template  string   `json:"template"`
}

func (app *AppContext) listPrompts(c *gin.Context) {
	users := app.Catalog.PromptOperators()
	classes := app.Catalog.Prompts()
	out := make([]promptInfo, 0, len(classes))
	for _, p := range classes {
		ops := users[p.Name()]
		if ops == nil {
			ops = []string{}
		}
		out = append(out, promptInfo{Name: p.Name(), TypePath: p.TypePath(), Operators: ops, Template: p.Source()})
	}
	c.JSON(http.StatusOK, out)
}

func (app *AppContext) getOperatorPrompts(c *gin.Context) {
	name := c.Param("name")
	if _, ok := app.Catalog.Operator(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "operator not found: " + name})
		return
	}
	prompts := app.Operators.AllowedPrompts(name)
	if prompts == nil {
		prompts = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"operator": name, "prompts": prompts})
}
