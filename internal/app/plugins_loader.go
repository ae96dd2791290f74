package app

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/plugin"
)

// loadPlugins registers the script operators stored in MongoDB. They
// replace file scripts of the same name.
func (app *AppContext) loadPlugins(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cursor, err := app.plugins().Find(ctx, bson.M{})
	if err != nil {
		app.Log.Warn("error loading plugins", zap.Error(err))
		return
	}
	defer cursor.Close(ctx)

	loaded := 0
	for cursor.Next(ctx) {
		var p Plugin
		if err := cursor.Decode(&p); err != nil {
			app.Log.Warn("error decoding plugin", zap.Error(err))
			continue
		}
		cls, err := plugin.NewScriptClass(p.Name, p.JavaScript, app.Config.JSTimeout)
		if err != nil {
			app.Log.Warn("error compiling plugin", zap.String("plugin", p.Name), zap.Error(err))
			continue
		}
		app.Catalog.RegisterOperator(cls)
		loaded++
	}
	app.Log.Info("loaded stored plugins", zap.Int("count", loaded))
}
