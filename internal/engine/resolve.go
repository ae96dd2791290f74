package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/SelimCelen/dataflowhub/internal/dbmanager"
	"github.com/SelimCelen/dataflowhub/internal/models"
	"github.com/SelimCelen/dataflowhub/internal/plugin"
	"github.com/SelimCelen/dataflowhub/internal/serving"
)

// resolveInit turns a stored init value into the constructor argument an
// operator expects. Servings and database managers are built once per run.
func (r *run) resolveInit(ctx context.Context, key, name string, value any) (any, error) {
	switch name {
	case plugin.ParamLLMServing:
		return r.serving(key, value, 0, r.servings)
	case plugin.ParamEmbeddingServing:
		return r.serving(key, value, 1, r.embeds)
	case plugin.ParamDatabaseManager:
		return r.databaseManager(ctx, key, value)
	case plugin.ParamPromptTemplate:
		if value == nil {
			return nil, nil
		}
		cls, _ := models.ClassName(value).(string)
		pc, ok := r.e.deps.Catalog.Prompt(cls)
		if !ok {
			return nil, newError("prompt template not found: "+cls, map[string]any{
				"param_name":  name,
				"param_value": clip(value, 100),
			}, nil)
		}
		return pc.New(), nil
	}
	return value, nil
}

// serving returns the serving instance with the id in value. A null value
// picks the configured serving at position fallback when default filling
// is enabled, or the first one when fewer exist.
func (r *run) serving(key string, value any, fallback int, memo map[string]serving.Instance) (serving.Instance, error) {
	id, _ := value.(string)
	if value == nil || id == "" {
		if !r.e.opts.DefaultServingFilling {
			return nil, fmt.Errorf("no serving selected and default serving filling is disabled")
		}
		ordered, err := r.e.deps.Servings.Ordered()
		if err != nil {
			return nil, err
		}
		if len(ordered) == 0 {
			return nil, errors.New("no serving is configured")
		}
		if fallback >= len(ordered) {
			fallback = 0
		}
		id = ordered[fallback].ID
		r.addLog(key, "Using default serving %s", id)
	}
	if inst, ok := memo[id]; ok {
		return inst, nil
	}
	info, err := r.e.deps.Servings.Get(id)
	if err != nil {
		return nil, fmt.Errorf("serving %s: %w", id, err)
	}
	inst, err := r.e.deps.Factory.Build(id, info)
	if err != nil {
		return nil, err
	}
	memo[id] = inst
	r.addLog(key, "Created serving %s (%s)", id, info.ClsName)
	return inst, nil
}

// databaseManager resolves a database_manager value. A list of database
// ids, or null, selects from the SQLite root; a string names a stored
// manager configuration.
func (r *run) databaseManager(ctx context.Context, key string, value any) (plugin.DatabaseManager, error) {
	var ids []string
	switch v := value.(type) {
	case nil:
	case []any:
		for _, item := range v {
			ids = append(ids, fmt.Sprint(item))
		}
	case []string:
		ids = append(ids, v...)
	case string:
		return r.storedManager(ctx, key, v)
	default:
		return nil, fmt.Errorf("unsupported database_manager value %T", value)
	}

	sort.Strings(ids)
	memoKey := "sqlite:" + strings.Join(ids, ",")
	if m, ok := r.managers[memoKey]; ok {
		return m, nil
	}
	m, err := dbmanager.New(ctx, dbmanager.TypeSQLite, map[string]any{"root_path": r.e.opts.SQLiteRoot})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		m = m.Filter(ids)
	}
	r.managers[memoKey] = m
	r.addLog(key, "Using %d sqlite databases", len(m.DatabaseIDs()))
	return m, nil
}

func (r *run) storedManager(ctx context.Context, key, id string) (plugin.DatabaseManager, error) {
	if m, ok := r.managers[id]; ok {
		return m, nil
	}
	if r.e.deps.Managers == nil {
		return nil, fmt.Errorf("database manager %s: no manager registry", id)
	}
	info, err := r.e.deps.Managers.Get(id)
	if err != nil {
		return nil, fmt.Errorf("database manager %s: %w", id, err)
	}
	cfg := info.Config
	dbType := info.DBType
	if dbType == "" {
		dbType = dbmanager.TypeSQLite
	}
	if cfg == nil {
		if dbType != dbmanager.TypeSQLite {
			return nil, fmt.Errorf("database manager %s has no config", id)
		}
		cfg = map[string]any{"root_path": r.e.opts.SQLiteRoot}
	}
	m, err := dbmanager.New(ctx, dbType, cfg)
	if err != nil {
		return nil, err
	}
	if len(info.SelectedDBIDs) > 0 {
		m = m.Filter(info.SelectedDBIDs)
	}
	r.managers[id] = m
	r.addLog(key, "Using database manager %s (%s)", info.Name, dbType)
	return m, nil
}
