package models

type OperatorType struct {
	Level1 string `json:"level_1"`
	Level2 string `json:"level_2"`
}

type OperatorParameters struct {
	Init []ParamDef `json:"init"`
	Run  []ParamDef `json:"run"`
}

// OperatorMetadata is one entry of the operator details cache.
type OperatorMetadata struct {
	Node           int                `json:"node"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	Type           OperatorType       `json:"type"`
	AllowedPrompts []string           `json:"allowed_prompts"`
	Parameter      OperatorParameters `json:"parameter"`
	Required       string             `json:"required"`
	DependsOn      []string           `json:"depends_on"`
	Mode           string             `json:"mode"`
}

type OperatorSummary struct {
	Name           string       `json:"name"`
	Type           OperatorType `json:"type"`
	Description    string       `json:"description"`
	AllowedPrompts []string     `json:"allowed_prompts"`
}
