package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/query"
)

// Table accessors. Missing or mistyped fields return the zero value.

func tableString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func tableNumber(t *lua.LTable, key string) (float64, bool) {
	n, ok := t.RawGetString(key).(lua.LNumber)
	return float64(n), ok
}

func tableFunc(t *lua.LTable, key string) *lua.LFunction {
	fn, _ := t.RawGetString(key).(*lua.LFunction)
	return fn
}

func tableTable(t *lua.LTable, key string) *lua.LTable {
	tt, _ := t.RawGetString(key).(*lua.LTable)
	return tt
}

// list returns the array part of lv, or an error if lv is neither nil nor
// a table.
func list(lv lua.LValue) ([]lua.LValue, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case *lua.LTable:
		out := make([]lua.LValue, 0, v.Len())
		for i := 1; i <= v.Len(); i++ {
			out = append(out, v.RawGetInt(i))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %s", lv.Type())
	}
}

func stringsToTable(L *lua.LState, ss []string) *lua.LTable {
	t := L.CreateTable(len(ss), 0)
	for i, s := range ss {
		t.RawSetInt(i+1, lua.LString(s))
	}
	return t
}

func metadataTable(L *lua.LState, md plugin.Metadata) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(md.ID))
	t.RawSetString("name", lua.LString(md.Name))
	t.RawSetString("version", lua.LString(md.Version))
	t.RawSetString("description", lua.LString(md.Description))
	t.RawSetString("dependencies", stringsToTable(L, md.PluginDependencies))
	return t
}

// toItem converts an item table. The id defaults to the text.
func (s *script) toItem(lv lua.LValue) (query.Item, error) {
	t, ok := lv.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("item must be a table, got %s", lv.Type())
	}
	it := &query.StandardItem{
		ItemID:     tableString(t, "id"),
		Title:      tableString(t, "text"),
		Sub:        tableString(t, "subtext"),
		Completion: tableString(t, "completion"),
	}
	if it.ItemID == "" {
		it.ItemID = it.Title
	}
	if it.ItemID == "" {
		return nil, fmt.Errorf("item has neither id nor text")
	}

	actions, err := list(t.RawGetString("actions"))
	if err != nil {
		return nil, fmt.Errorf("item %s actions: %w", it.ItemID, err)
	}
	for i, av := range actions {
		at, ok := av.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("item %s action %d must be a table", it.ItemID, i+1)
		}
		a := query.Action{ID: tableString(at, "id"), Text: tableString(at, "text")}
		if a.ID == "" {
			a.ID = fmt.Sprintf("action%d", i+1)
		}
		if fn := tableFunc(at, "run"); fn != nil {
			a.Run = func() error {
				_, err := s.state.CallFunction(context.Background(), fn)
				return err
			}
		}
		it.ItemActions = append(it.ItemActions, a)
	}
	return it, nil
}

func (s *script) toItems(lv lua.LValue) ([]query.Item, error) {
	values, err := list(lv)
	if err != nil {
		return nil, err
	}
	items := make([]query.Item, 0, len(values))
	for _, v := range values {
		it, err := s.toItem(v)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// toRankItems accepts {item = {...}, relevance = x} entries as well as item
// tables carrying a relevance field.
func (s *script) toRankItems(lv lua.LValue) ([]query.RankItem, error) {
	values, err := list(lv)
	if err != nil {
		return nil, err
	}
	out := make([]query.RankItem, 0, len(values))
	for _, v := range values {
		t, ok := v.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("result must be a table, got %s", v.Type())
		}
		itemValue := lua.LValue(t)
		if inner := tableTable(t, "item"); inner != nil {
			itemValue = inner
		}
		it, err := s.toItem(itemValue)
		if err != nil {
			return nil, err
		}
		rel, ok := tableNumber(t, "relevance")
		if !ok {
			rel = 1
		}
		out = append(out, query.RankItem{Item: it, Relevance: rel})
	}
	return out, nil
}
