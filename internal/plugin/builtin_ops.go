package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/storage"
)

// goClass is an operator class implemented in Go.
type goClass struct {
	name     string
	module   string
	typePath []string
	init     []models.ParamDef
	run      []models.ParamDef
	prompts  []string
	desc     map[string][]string
	build    func(args Args) (Operator, error)
}

func (c *goClass) Name() string                  { return c.name }
func (c *goClass) Module() string                { return c.module }
func (c *goClass) TypePath() []string            { return c.typePath }
func (c *goClass) InitParams() []models.ParamDef { return c.init }
func (c *goClass) RunParams() []models.ParamDef  { return c.run }
func (c *goClass) AllowedPrompts() []string      { return c.prompts }

func (c *goClass) New(args map[string]any) (Operator, error) {
	known := map[string]bool{}
	for _, p := range c.init {
		known[p.Name] = true
	}
	for name := range args {
		if !known[name] {
			return nil, fmt.Errorf("%s got an unexpected keyword argument %q", c.name, name)
		}
	}
	return c.build(Args(args))
}

func (c *goClass) Describe(lang string) ([]string, error) {
	if c.desc == nil {
		return nil, ErrNoDescription
	}
	if lines, ok := c.desc[lang]; ok {
		return lines, nil
	}
	return c.desc["en"], nil
}

func param(name string, def any) models.ParamDef {
	return models.ParamDef{Name: name, Default: def, Kind: models.KindPositionalOrKeyword}
}

// rowFunc adapts a row transformation into an Operator.
type rowFunc func(ctx context.Context, rows []storage.Row, inv Invocation) ([]storage.Row, error)

func (f rowFunc) Run(ctx context.Context, inv Invocation) error {
	if inv.Storage == nil {
		return errors.New("storage is required")
	}
	rows, err := inv.Storage.Read()
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	out, err := f(ctx, rows, inv)
	if err != nil {
		return err
	}
	return inv.Storage.Write(out)
}

// RegisterBuiltins adds the built-in operators and prompts to c.
func RegisterBuiltins(c *Catalog) {
	for _, p := range builtinPrompts {
		c.RegisterPrompt(p)
	}
	for _, op := range builtinOperators() {
		c.RegisterOperator(op)
	}
}

func builtinOperators() []*goClass {
	return []*goClass{
		{
			name:     "TextLengthFilter",
			module:   "dataflow.operators.core_text.filter",
			typePath: []string{"operators", "core_text", "filter"},
			init:     []models.ParamDef{param("min_length", 1), param("max_length", 100000)},
			run:      []models.ParamDef{param(ParamStorage, nil), param("input_key", "text")},
			desc: map[string][]string{
				"en": {"Keep rows whose input field length lies within [min_length, max_length]."},
				"zh": {"按字段长度过滤数据。"},
			},
			build: newTextLengthFilter,
		},
		{
			name:     "DuplicateFilter",
			module:   "dataflow.operators.core_text.filter",
			typePath: []string{"operators", "core_text", "filter"},
			init:     []models.ParamDef{param("case_sensitive", true)},
			run:      []models.ParamDef{param(ParamStorage, nil), param("input_key", "text")},
			desc: map[string][]string{
				"en": {"Drop rows whose input field repeats an earlier row."},
			},
			build: newDuplicateFilter,
		},
		{
			name:     "FieldRenamer",
			module:   "dataflow.operators.core_text.refine",
			typePath: []string{"operators", "core_text", "refine"},
			init:     []models.ParamDef{param("mapping", map[string]any{})},
			run:      []models.ParamDef{param(ParamStorage, nil)},
			build:    newFieldRenamer,
		},
		{
			name:     "PromptedGenerator",
			module:   "dataflow.operators.core_text.generate",
			typePath: []string{"operators", "core_text", "generate"},
			init: []models.ParamDef{
				param(ParamLLMServing, nil),
				param(ParamPromptTemplate, nil),
				param("system_prompt", "You are a helpful assistant."),
			},
			run: []models.ParamDef{
				param(ParamStorage, nil),
				param("input_key", "raw_content"),
				param("output_key", "generated_content"),
			},
			prompts: []string{"SummaryPrompt", "GeneralQuestionFilterPrompt", "MathQuestionFilterPrompt"},
			desc: map[string][]string{
				"en": {"Generate text for every row with an LLM serving.", "The prompt template receives the input field as {input}."},
			},
			build: newPromptedGenerator,
		},
		{
			name:     "EmbeddingGenerator",
			module:   "dataflow.operators.core_text.embedding",
			typePath: []string{"operators", "core_text", "embedding"},
			init:     []models.ParamDef{param(ParamEmbeddingServing, nil)},
			run: []models.ParamDef{
				param(ParamStorage, nil),
				param("input_key", "text"),
				param("output_key", "embedding"),
			},
			desc: map[string][]string{
				"en": {"Attach an embedding vector of the input field to every row."},
			},
			build: newEmbeddingGenerator,
		},
		{
			name:     "SQLGenerator",
			module:   "dataflow.operators.text2sql.generate",
			typePath: []string{"operators", "text2sql", "generate"},
			init: []models.ParamDef{
				param(ParamLLMServing, nil),
				param(ParamDatabaseManager, nil),
				param(ParamPromptTemplate, nil),
			},
			run: []models.ParamDef{
				param(ParamStorage, nil),
				param("input_question_key", "question"),
				param("input_db_id_key", "db_id"),
				param("output_sql_key", "SQL"),
			},
			prompts: []string{"Text2SQLPrompt"},
			desc: map[string][]string{
				"en": {"Generate SQL for natural-language questions against the selected databases."},
			},
			build: newSQLGenerator,
		},
	}
}

func newTextLengthFilter(args Args) (Operator, error) {
	minLen, err := args.Int("min_length", 1)
	if err != nil {
		return nil, err
	}
	maxLen, err := args.Int("max_length", 100000)
	if err != nil {
		return nil, err
	}
	if maxLen < minLen {
		return nil, fmt.Errorf("max_length %d is smaller than min_length %d", maxLen, minLen)
	}
	return rowFunc(func(_ context.Context, rows []storage.Row, inv Invocation) ([]storage.Row, error) {
		key := Args(inv.Params).String("input_key", "text")
		out := make([]storage.Row, 0, len(rows))
		for _, r := range rows {
			n := len([]rune(Text(r, key)))
			if n >= minLen && n <= maxLen {
				out = append(out, r)
			}
		}
		fmt.Fprintf(inv.Stdout, "kept %d of %d rows\n", len(out), len(rows))
		return out, nil
	}), nil
}

func newDuplicateFilter(args Args) (Operator, error) {
	caseSensitive := args.Bool("case_sensitive", true)
	return rowFunc(func(_ context.Context, rows []storage.Row, inv Invocation) ([]storage.Row, error) {
		key := Args(inv.Params).String("input_key", "text")
		seen := make(map[string]bool, len(rows))
		out := make([]storage.Row, 0, len(rows))
		for _, r := range rows {
			k := Text(r, key)
			if !caseSensitive {
				k = strings.ToLower(k)
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, r)
		}
		fmt.Fprintf(inv.Stdout, "removed %d duplicates\n", len(rows)-len(out))
		return out, nil
	}), nil
}

func newFieldRenamer(args Args) (Operator, error) {
	mapping := args.StringMap("mapping")
	return rowFunc(func(_ context.Context, rows []storage.Row, inv Invocation) ([]storage.Row, error) {
		for _, r := range rows {
			for from, to := range mapping {
				if v, ok := r[from]; ok {
					delete(r, from)
					r[to] = v
				}
			}
		}
		return rows, nil
	}), nil
}

func newPromptedGenerator(args Args) (Operator, error) {
	llm, ok := args[ParamLLMServing].(LLMServing)
	if !ok {
		return nil, errors.New("llm_serving is required")
	}
	prompt, _ := args[ParamPromptTemplate].(Prompt)
	system := args.String("system_prompt", "You are a helpful assistant.")
	return rowFunc(func(ctx context.Context, rows []storage.Row, inv Invocation) ([]storage.Row, error) {
		params := Args(inv.Params)
		inKey := params.String("input_key", "raw_content")
		outKey := params.String("output_key", "generated_content")
		prompts := make([]string, len(rows))
		for i, r := range rows {
			text := Text(r, inKey)
			if prompt != nil {
				text = prompt.Build(map[string]any{"input": text})
			}
			prompts[i] = text
		}
		answers, err := llm.Generate(ctx, system, prompts)
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		for i, r := range rows {
			if i < len(answers) {
				r[outKey] = answers[i]
			}
		}
		fmt.Fprintf(inv.Stdout, "generated %d responses\n", len(answers))
		return rows, nil
	}), nil
}

func newEmbeddingGenerator(args Args) (Operator, error) {
	emb, ok := args[ParamEmbeddingServing].(EmbeddingServing)
	if !ok {
		return nil, errors.New("embedding_serving is required")
	}
	return rowFunc(func(ctx context.Context, rows []storage.Row, inv Invocation) ([]storage.Row, error) {
		params := Args(inv.Params)
		inKey := params.String("input_key", "text")
		outKey := params.String("output_key", "embedding")
		texts := make([]string, len(rows))
		for i, r := range rows {
			texts[i] = Text(r, inKey)
		}
		vectors, err := emb.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		for i, r := range rows {
			if i < len(vectors) {
				r[outKey] = vectors[i]
			}
		}
		return rows, nil
	}), nil
}

func newSQLGenerator(args Args) (Operator, error) {
	llm, ok := args[ParamLLMServing].(LLMServing)
	if !ok {
		return nil, errors.New("llm_serving is required")
	}
	dbs, ok := args[ParamDatabaseManager].(DatabaseManager)
	if !ok {
		return nil, errors.New("database_manager is required")
	}
	prompt, _ := args[ParamPromptTemplate].(Prompt)
	return rowFunc(func(ctx context.Context, rows []storage.Row, inv Invocation) ([]storage.Row, error) {
		params := Args(inv.Params)
		qKey := params.String("input_question_key", "question")
		dbKey := params.String("input_db_id_key", "db_id")
		outKey := params.String("output_sql_key", "SQL")

		allowed := map[string]bool{}
		for _, id := range dbs.DatabaseIDs() {
			allowed[id] = true
		}
		var kept []storage.Row
		var prompts []string
		for _, r := range rows {
			dbID := Text(r, dbKey)
			if !allowed[dbID] {
				fmt.Fprintf(inv.Stderr, "skipping row for unknown database %q\n", dbID)
				continue
			}
			schema, err := dbs.Schema(ctx, dbID)
			if err != nil {
				return nil, fmt.Errorf("schema of %s: %w", dbID, err)
			}
			text := Text(r, qKey)
			if prompt != nil {
				text = prompt.Build(map[string]any{"input": text, "schema": schema})
			}
			kept = append(kept, r)
			prompts = append(prompts, text)
		}
		answers, err := llm.Generate(ctx, "You translate questions into SQL.", prompts)
		if err != nil {
			return nil, fmt.Errorf("generate sql: %w", err)
		}
		for i, r := range kept {
			if i < len(answers) {
				r[outKey] = strings.TrimSpace(answers[i])
			}
		}
		fmt.Fprintf(inv.Stdout, "generated SQL for %d of %d rows\n", len(kept), len(rows))
		return kept, nil
	}), nil
}
