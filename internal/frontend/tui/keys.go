package tui

import (
	"slices"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/lodestar/internal/query"
)

// handleKey processes one key event and reports whether to quit.
func (t *TUI) handleKey(ev *tcell.EventKey) bool {
	if ev.Key() == tcell.KeyCtrlC {
		return true
	}
	if !t.visible.Load() {
		t.visible.Store(true)
		return false
	}

	switch t.mode {
	case modeConfirm:
		t.confirmKey(ev)
	case modeActions:
		t.actionsKey(ev)
	default:
		t.resultsKey(ev)
	}
	return false
}

func (t *TUI) confirmKey(ev *tcell.EventKey) {
	switch {
	case ev.Key() == tcell.KeyRune && (ev.Rune() == 'y' || ev.Rune() == 'Y'):
		t.answer(true)
	case ev.Key() == tcell.KeyRune && (ev.Rune() == 'n' || ev.Rune() == 'N'),
		ev.Key() == tcell.KeyEscape:
		t.answer(false)
	}
}

func (t *TUI) actionsKey(ev *tcell.EventKey) {
	actions := t.actionRow.match.Item.Actions()
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyLeft:
		t.mode = modeResults
		t.selected = max(0, slices.IndexFunc(t.rows, func(r row) bool { return sameRow(r, t.actionRow) }))
	case tcell.KeyUp:
		t.selected = max(0, t.selected-1)
	case tcell.KeyDown:
		t.selected = min(len(actions)-1, t.selected+1)
	case tcell.KeyEnter:
		if t.selected < len(actions) {
			t.mode = modeResults
			t.activate(t.actionRow, actions[t.selected].ID)
		}
	}
}

func (t *TUI) resultsKey(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyEscape:
		t.visible.Store(false)
	case tcell.KeyRune:
		t.insert(ev.Rune())
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if t.cursor > 0 {
			t.input = slices.Delete(t.input, t.cursor-1, t.cursor)
			t.cursor--
			t.inputChanged()
		}
	case tcell.KeyDelete:
		if t.cursor < len(t.input) {
			t.input = slices.Delete(t.input, t.cursor, t.cursor+1)
			t.inputChanged()
		}
	case tcell.KeyCtrlU:
		if len(t.input) > 0 {
			t.setInput("")
		}
	case tcell.KeyLeft:
		t.cursor = max(0, t.cursor-1)
	case tcell.KeyRight:
		t.cursor = min(len(t.input), t.cursor+1)
	case tcell.KeyHome, tcell.KeyCtrlA:
		t.cursor = 0
	case tcell.KeyEnd, tcell.KeyCtrlE:
		t.cursor = len(t.input)
	case tcell.KeyUp:
		t.selected = max(0, t.selected-1)
	case tcell.KeyDown:
		t.selected = max(0, min(len(t.rows)-1, t.selected+1))
	case tcell.KeyPgUp:
		t.selected = max(0, t.selected-pageSize)
	case tcell.KeyPgDn:
		t.selected = max(0, min(len(t.rows)-1, t.selected+pageSize))
	case tcell.KeyTab:
		if r, ok := t.selectedRow(); ok {
			if text := r.match.Item.InputActionText(); text != "" {
				t.setInput(t.completionPrefix() + text)
			}
		}
	case tcell.KeyEnter:
		r, ok := t.selectedRow()
		if !ok {
			return
		}
		if ev.Modifiers()&tcell.ModAlt != 0 && len(r.match.Item.Actions()) > 0 {
			t.actionRow = r
			t.mode = modeActions
			t.selected = 0
			return
		}
		t.activate(r, "")
	}
}

const pageSize = 10

func (t *TUI) insert(r rune) {
	t.input = slices.Insert(t.input, t.cursor, r)
	t.cursor++
	t.inputChanged()
}

func (t *TUI) selectedRow() (row, bool) {
	if t.selected < 0 || t.selected >= len(t.rows) {
		return row{}, false
	}
	return t.rows[t.selected], true
}

// completionPrefix keeps the trigger of triggered queries when completing.
func (t *TUI) completionPrefix() string {
	if t.query != nil && t.query.Kind() == query.KindTrigger {
		return t.query.Trigger()
	}
	return ""
}

func sameRow(a, b row) bool {
	return a.match.Extension == b.match.Extension && a.match.Item.ID() == b.match.Item.ID()
}
