package lua

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/match"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/query"
)

// Script globals.
const (
	fnHandleTrigger = "handle_trigger"
	fnHandleGlobal  = "handle_global"
	fnFallbacks     = "fallbacks"
	fnOnUnload      = "on_unload"
	varTrigger      = "trigger"
	varFuzzy        = "fuzzy"

	hostModule    = "lodestar"
	queryTypeName = "lodestar.query"
)

// script is a loaded Lua plugin. The handler capabilities it exposes
// depend on the functions the script defines; see instance.
type script struct {
	extension.Base
	md    plugin.Metadata
	state *State
	log   *logging.Logger

	defaultTrigger string
	supportsFuzzy  bool
	fuzzy          atomic.Bool

	mu      sync.Mutex
	trigger string
}

func newScript(md plugin.Metadata, state *State, log *logging.Logger) *script {
	return &script{
		Base:  extension.NewBase(md.ID, md.Name, md.Description),
		md:    md,
		state: state,
		log:   log,
	}
}

// install provides the host module and the query type.
func (s *script) install() {
	s.state.PreloadModule(hostModule, map[string]lua.LGFunction{
		"log":   s.luaLog(s.log.Info),
		"debug": s.luaLog(s.log.Debug),
		"warn":  s.luaLog(s.log.Warn),
		"match": s.luaMatch,
	}, nil)
	_ = s.state.With(func(L *lua.LState) error {
		mt := L.NewTypeMetatable(queryTypeName)
		L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"string":   s.queryString,
			"trigger":  s.queryTrigger,
			"is_valid": s.queryIsValid,
			"fuzzy":    s.queryFuzzy,
			"add":      s.queryAdd,
		}))
		L.SetGlobal("plugin", metadataTable(L, s.md))
		return nil
	})
}

func (s *script) luaLog(logf func(string, ...any)) lua.LGFunction {
	return func(L *lua.LState) int {
		logf("%s", L.CheckString(1))
		return 0
	}
}

// luaMatch implements lodestar.match(query, text, ...) returning the best
// relevance or nil.
func (s *script) luaMatch(L *lua.LState) int {
	m := match.New(L.CheckString(1), match.Options{Fuzzy: s.fuzzy.Load()})
	texts := make([]string, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		texts = append(texts, L.CheckString(i))
	}
	if rel, ok := m.MatchAny(texts...); ok {
		L.Push(lua.LNumber(rel))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

func checkQuery(L *lua.LState) *query.Query {
	ud := L.CheckUserData(1)
	q, ok := ud.Value.(*query.Query)
	if !ok {
		L.ArgError(1, "query expected")
	}
	return q
}

func (s *script) queryString(L *lua.LState) int {
	L.Push(lua.LString(checkQuery(L).String()))
	return 1
}

func (s *script) queryTrigger(L *lua.LState) int {
	L.Push(lua.LString(checkQuery(L).Trigger()))
	return 1
}

func (s *script) queryIsValid(L *lua.LState) int {
	L.Push(lua.LBool(checkQuery(L).IsValid()))
	return 1
}

func (s *script) queryFuzzy(L *lua.LState) int {
	L.Push(lua.LBool(s.fuzzy.Load()))
	return 1
}

func (s *script) queryAdd(L *lua.LState) int {
	q := checkQuery(L)
	items := make([]query.Item, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		it, err := s.toItem(L.Get(i))
		if err != nil {
			L.ArgError(i, err.Error())
			return 0
		}
		items = append(items, it)
	}
	q.Add(items...)
	return 0
}

func (s *script) queryValue(q *query.Query) (lua.LValue, error) {
	var ud *lua.LUserData
	err := s.state.With(func(L *lua.LState) error {
		ud = L.NewUserData()
		ud.Value = q
		L.SetMetatable(ud, L.GetTypeMetatable(queryTypeName))
		return nil
	})
	return ud, err
}

// readConfig reads the trigger and fuzzy globals set by the script.
func (s *script) readConfig() {
	s.defaultTrigger = s.md.ID + " "
	if t, ok := s.state.GetGlobal(varTrigger).(lua.LString); ok && t != "" {
		s.defaultTrigger = string(t)
	}
	s.supportsFuzzy = lua.LVAsBool(s.state.GetGlobal(varFuzzy))
	s.trigger = s.defaultTrigger
}

// instance returns the extension matching the functions the script defines.
func (s *script) instance() (extension.Extension, error) {
	s.readConfig()
	hasTrigger := s.state.HasFunction(fnHandleTrigger)
	hasGlobal := s.state.HasFunction(fnHandleGlobal)
	hasFallbacks := s.state.HasFunction(fnFallbacks)

	switch {
	case hasGlobal && hasFallbacks:
		return &globalFallbackScript{globalScript{triggerScript{s}}}, nil
	case hasGlobal:
		return &globalScript{triggerScript{s}}, nil
	case hasTrigger && hasFallbacks:
		return &triggerFallbackScript{triggerScript{s}}, nil
	case hasTrigger:
		return &triggerScript{s}, nil
	case hasFallbacks:
		return &fallbackScript{s}, nil
	default:
		return nil, ErrNoHandler
	}
}

func (s *script) close(ctx context.Context) error {
	var err error
	if s.state.HasFunction(fnOnUnload) {
		_, err = s.state.Call(ctx, fnOnUnload)
	}
	return errors.Join(err, s.state.Close())
}

func (s *script) globalItems(ctx context.Context, q *query.Query) ([]query.RankItem, error) {
	ud, err := s.queryValue(q)
	if err != nil {
		return nil, err
	}
	ret, err := s.state.Call(ctx, fnHandleGlobal, ud)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnHandleGlobal, err)
	}
	if len(ret) == 0 {
		return nil, nil
	}
	var items []query.RankItem
	err = s.state.With(func(*lua.LState) error {
		items, err = s.toRankItems(ret[0])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s result: %w", fnHandleGlobal, err)
	}
	return items, nil
}

func (s *script) fallbacks(text string) []query.Item {
	ret, err := s.state.Call(context.Background(), fnFallbacks, lua.LString(text))
	if err != nil {
		s.log.Warn("%s: %v", fnFallbacks, err)
		return nil
	}
	if len(ret) == 0 {
		return nil
	}
	var items []query.Item
	err = s.state.With(func(*lua.LState) error {
		items, err = s.toItems(ret[0])
		return err
	})
	if err != nil {
		s.log.Warn("%s result: %v", fnFallbacks, err)
		return nil
	}
	return items
}

// triggerScript is a script defining handle_trigger.
type triggerScript struct{ *script }

// DefaultTrigger implements query.TriggerHandler.
func (t *triggerScript) DefaultTrigger() string { return t.defaultTrigger }

// AllowTriggerRemap implements query.TriggerHandler.
func (t *triggerScript) AllowTriggerRemap() bool { return true }

// SupportsFuzzyMatching implements query.TriggerHandler.
func (t *triggerScript) SupportsFuzzyMatching() bool { return t.supportsFuzzy }

// SetFuzzyMatching implements query.TriggerHandler.
func (t *triggerScript) SetFuzzyMatching(enabled bool) { t.fuzzy.Store(enabled) }

// SetTrigger implements query.TriggerHandler.
func (t *triggerScript) SetTrigger(trigger string) {
	t.mu.Lock()
	t.trigger = trigger
	t.mu.Unlock()
}

// HandleTriggerQuery implements query.TriggerHandler.
func (t *triggerScript) HandleTriggerQuery(ctx context.Context, q *query.Query) error {
	ud, err := t.queryValue(q)
	if err != nil {
		return err
	}
	if _, err := t.state.Call(ctx, fnHandleTrigger, ud); err != nil {
		return fmt.Errorf("%s: %w", fnHandleTrigger, err)
	}
	return nil
}

// globalScript is a script defining handle_global. Triggered input runs the
// global handler and adds its items by relevance.
type globalScript struct{ triggerScript }

// HandleTriggerQuery implements query.TriggerHandler.
func (g *globalScript) HandleTriggerQuery(ctx context.Context, q *query.Query) error {
	items, err := g.globalItems(ctx, q)
	if err != nil {
		return err
	}
	slices.SortStableFunc(items, func(a, b query.RankItem) int {
		switch {
		case a.Relevance > b.Relevance:
			return -1
		case a.Relevance < b.Relevance:
			return 1
		}
		return 0
	})
	out := make([]query.Item, len(items))
	for i, ri := range items {
		out[i] = ri.Item
	}
	q.Add(out...)
	return nil
}

// HandleGlobalQuery implements query.GlobalHandler.
func (g *globalScript) HandleGlobalQuery(ctx context.Context, q *query.Query) ([]query.RankItem, error) {
	return g.globalItems(ctx, q)
}

type fallbackScript struct{ *script }

// Fallbacks implements query.FallbackHandler.
func (f *fallbackScript) Fallbacks(text string) []query.Item { return f.fallbacks(text) }

type triggerFallbackScript struct{ triggerScript }

// Fallbacks implements query.FallbackHandler.
func (f *triggerFallbackScript) Fallbacks(text string) []query.Item { return f.fallbacks(text) }

type globalFallbackScript struct{ globalScript }

// Fallbacks implements query.FallbackHandler.
func (f *globalFallbackScript) Fallbacks(text string) []query.Item { return f.fallbacks(text) }
