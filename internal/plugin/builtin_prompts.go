package plugin

import (
	"fmt"
	"strings"

	"github.com/SelimCelen/dataflowhub/internal/models"
)

type templatePrompt struct {
	name     string
	typePath []string
	template string
}

func (p *templatePrompt) Name() string       { return p.name }
func (p *templatePrompt) Module() string     { return models.PromptModule }
func (p *templatePrompt) TypePath() []string { return p.typePath }
func (p *templatePrompt) Source() string     { return p.template }
func (p *templatePrompt) New() Prompt        { return templateInstance{template: p.template} }

type templateInstance struct {
	template string
}

// Build substitutes {key} placeholders with vars.
func (t templateInstance) Build(vars map[string]any) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(t.template)
}

var builtinPrompts = []*templatePrompt{
	{
		name:     "GeneralQuestionFilterPrompt",
		typePath: []string{"prompts", "general", "filter"},
		template: "Decide whether the following question is well formed and answerable. Reply with 1 for yes and 0 for no.\nQuestion: {input}",
	},
	{
		name:     "MathQuestionFilterPrompt",
		typePath: []string{"prompts", "reasoning", "filter"},
		template: "Check the following math problem for correctness, completeness and solvability. Reply with 1 if it passes and 0 otherwise.\nProblem: {input}",
	},
	{
		name:     "SummaryPrompt",
		typePath: []string{"prompts", "general", "generate"},
		template: "Summarize the following text in a few sentences.\n{input}",
	},
	{
		name:     "Text2SQLPrompt",
		typePath: []string{"prompts", "text2sql", "generate"},
		template: "Given the database schema:\n{schema}\nWrite a single SQL query that answers: {input}\nReturn only the SQL.",
	},
}
