// Package serving builds LLM and embedding clients from configured serving
// entries.
package serving

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/plugin"
	"github.com/SelimCelen/dataflowhub/internal/registry"
)

const (
	ClassAPIRequest = "APILLMServing_request"
	ClassLocalEcho  = "LocalEchoServing"

	paramAPIKey  = "api_key"
	paramKeyName = "key_name_of_api_key"
)

var ErrUnsupportedServing = errors.New("unsupported serving class")

// Instance serves both completions and embeddings.
type Instance interface {
	plugin.LLMServing
	plugin.EmbeddingServing
}

func p(name string, def any) models.ParamDef {
	return models.ParamDef{Name: name, Default: def, Kind: models.KindPositionalOrKeyword}
}

// Classes lists the constructor params of every serving class.
func Classes() map[string][]models.ParamDef {
	return map[string][]models.ParamDef{
		ClassAPIRequest: {
			p("api_url", "https://api.openai.com/v1/chat/completions"),
			p(paramKeyName, nil),
			p("model_name", "gpt-4o"),
			p("max_workers", 10),
			p("timeout", 1800),
			p(paramAPIKey, nil),
		},
		ClassLocalEcho: {
			p("prefix", ""),
			p("dimensions", 8),
		},
	}
}

// Factory turns serving registry entries into instances.
type Factory struct {
	log *zap.Logger
}

func NewFactory(log *zap.Logger) *Factory {
	return &Factory{log: log.Named("serving")}
}

// Build constructs the serving described by info. For the HTTP client the
// api_key is exported to the env var named by key_name_of_api_key, which
// defaults to DF_API_KEY_{id}, and is also bound to the instance so servings
// with different keys never share one.
func (f *Factory) Build(id string, info registry.ServingInfo) (Instance, error) {
	switch info.ClsName {
	case ClassAPIRequest:
		var apiKey any
		keyName := "DF_API_KEY_" + id
		params := map[string]any{}
		for _, sp := range info.Params {
			switch sp.Name {
			case paramAPIKey:
				apiKey = sp.Value
				continue
			case paramKeyName:
				if s, ok := sp.Value.(string); ok && s != "" {
					keyName = s
				}
				continue
			}
			v := sp.Value
			if v == nil {
				v = sp.DefaultValue
			}
			params[sp.Name] = v
		}
		params[paramKeyName] = keyName
		if s, ok := apiKey.(string); ok && s != "" {
			if err := os.Setenv(keyName, s); err != nil {
				return nil, fmt.Errorf("export api key: %w", err)
			}
			params[paramAPIKey] = s
		}
		f.log.Info("initializing serving",
			zap.String("serving_id", id), zap.String("class", info.ClsName), zap.String("key_env", keyName))
		return NewAPIServing(plugin.Args(params))
	case ClassLocalEcho:
		return NewLocalEcho(plugin.Args(info.ParamMap()))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedServing, info.ClsName)
}

func seconds(a plugin.Args, name string, def int) (time.Duration, error) {
	n, err := a.Float(name, float64(def))
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}
