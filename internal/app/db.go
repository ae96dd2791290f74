package app

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const pluginsCollection = "plugins"

func (app *AppContext) initMongoDB(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(app.Config.MongoURI)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	app.MongoClient = client
	app.Log.Info("connected to MongoDB", zap.String("database", app.Config.DatabaseName))
	return nil
}

func (app *AppContext) plugins() *mongo.Collection {
	return app.MongoClient.Database(app.Config.DatabaseName).Collection(pluginsCollection)
}

func (app *AppContext) createIndexes(ctx context.Context) {
	_, err := app.plugins().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.M{"name": 1},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		app.Log.Warn("error creating plugin index", zap.Error(err))
	}
}
