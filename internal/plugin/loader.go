package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LoadScriptDir compiles every *.js file in dir and registers it in c.
// Scripts that fail to compile are logged and skipped. A missing
// directory loads nothing.
func LoadScriptDir(c *Catalog, dir string, timeout time.Duration, log *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read script dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".js") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		src, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn("read script", zap.String("file", name), zap.Error(err))
			continue
		}
		cls, err := NewScriptClass(strings.TrimSuffix(name, ".js"), string(src), timeout)
		if err != nil {
			log.Warn("skip script operator", zap.String("file", name), zap.Error(err))
			continue
		}
		c.RegisterOperator(cls)
		loaded++
	}
	log.Info("loaded script operators", zap.String("dir", dir), zap.Int("count", loaded))
	return loaded, nil
}
