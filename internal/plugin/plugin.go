// Package plugin defines the operator and prompt descriptors the engine
// instantiates by name, and the catalog that holds them.
package plugin

import (
	"context"
	"errors"
	"io"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/storage"
)

// Special constructor parameter names resolved by the engine.
const (
	ParamLLMServing       = "llm_serving"
	ParamEmbeddingServing = "embedding_serving"
	ParamDatabaseManager  = "database_manager"
	ParamPromptTemplate   = "prompt_template"
	ParamStorage          = "storage"
)

// ErrNoDescription is returned by Describe when a class has no
// description getter of an accepted shape.
var ErrNoDescription = errors.New("operator has no description")

// Storage is the cursor an operator reads its input from and writes its
// output to.
type Storage interface {
	Read() ([]storage.Row, error)
	Write(rows []storage.Row) error
}

type Invocation struct {
	Storage Storage
	Params  map[string]any
	Stdout  io.Writer
	Stderr  io.Writer
}

type Operator interface {
	Run(ctx context.Context, inv Invocation) error
}

// OperatorClass describes an operator and constructs instances of it.
type OperatorClass interface {
	Name() string
	// Module is the dotted path of the declaring module, e.g.
	// dataflow.operators.core_text.filter.
	Module() string
	// TypePath is the classification path [root, level_1, level_2].
	TypePath() []string
	InitParams() []models.ParamDef
	RunParams() []models.ParamDef
	AllowedPrompts() []string
	New(args map[string]any) (Operator, error)
}

// Describer is implemented by classes that can describe themselves.
type Describer interface {
	Describe(lang string) ([]string, error)
}

type Prompt interface {
	Build(vars map[string]any) string
}

type PromptClass interface {
	Name() string
	Module() string
	TypePath() []string
	New() Prompt
	Source() string
}

// LLMServing generates one completion per prompt.
type LLMServing interface {
	Generate(ctx context.Context, systemPrompt string, prompts []string) ([]string, error)
}

// EmbeddingServing embeds texts.
type EmbeddingServing interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// DatabaseManager exposes the databases an operator may query.
type DatabaseManager interface {
	DatabaseIDs() []string
	Schema(ctx context.Context, dbID string) (string, error)
}
