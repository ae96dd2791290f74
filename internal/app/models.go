package app

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Plugin is a script operator stored in MongoDB.
type Plugin struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Name        string             `bson:"name" json:"name"`
	Description string             `bson:"description" json:"description"`
	JavaScript  string             `bson:"javascript" json:"javascript"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at" json:"updated_at"`
}
