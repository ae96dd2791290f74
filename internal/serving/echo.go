package serving

import (
	"context"
	"hash/fnv"

	"github.com/SelimCelen/dataflowhub/internal/plugin"
)

// LocalEcho answers every prompt with the prompt itself and embeds texts
// into fixed-size vectors derived from their hash. It needs no network.
type LocalEcho struct {
	prefix string
	dims   int
}

func NewLocalEcho(a plugin.Args) (*LocalEcho, error) {
	dims, err := a.Int("dimensions", 8)
	if err != nil {
		return nil, err
	}
	if dims < 1 {
		dims = 1
	}
	return &LocalEcho{prefix: a.String("prefix", ""), dims: dims}, nil
}

func (e *LocalEcho) Generate(ctx context.Context, _ string, prompts []string) ([]string, error) {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.prefix + p
	}
	return out, nil
}

func (e *LocalEcho) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float64, e.dims)
		for d := range vec {
			h := fnv.New32a()
			h.Write([]byte{byte(d)})
			h.Write([]byte(t))
			vec[d] = float64(h.Sum32()%1000) / 1000
		}
		out[i] = vec
	}
	return out, nil
}
