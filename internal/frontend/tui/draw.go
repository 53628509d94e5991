package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

const promptText = "> "

var (
	styleDefault  = tcell.StyleDefault
	styleDim      = tcell.StyleDefault.Dim(true)
	styleSelected = tcell.StyleDefault.Reverse(true)
	styleTitle    = tcell.StyleDefault.Bold(true)
	styleError    = tcell.StyleDefault.Foreground(tcell.ColorRed)
)

func (t *TUI) draw(s tcell.Screen) {
	s.Clear()
	w, h := s.Size()
	if !t.visible.Load() {
		s.HideCursor()
		drawText(s, 0, 0, w, "lodestar is hidden, press any key to show", styleDim)
		s.Show()
		return
	}

	// Input line.
	x := drawText(s, 0, 0, w, promptText, styleTitle)
	cx := x
	for i, r := range t.input {
		if i == t.cursor {
			cx = x
		}
		x = drawText(s, x, 0, w, string(r), styleDefault)
	}
	if t.cursor >= len(t.input) {
		cx = x
	}
	if t.mode == modeConfirm {
		s.HideCursor()
	} else {
		s.ShowCursor(cx, 0)
	}

	drawText(s, 0, 1, w, t.statusLine(), styleDim)

	top, bottom := 2, h-1
	switch t.mode {
	case modeConfirm:
		if t.confirm != nil {
			drawText(s, 0, top, w, t.confirm.title, styleTitle)
			drawText(s, 0, top+1, w, t.confirm.desc, styleDefault)
			drawText(s, 0, top+3, w, "[y]es / [n]o", styleDim)
		}
	case modeActions:
		drawText(s, 0, top, w, t.actionRow.match.Item.Text(), styleTitle)
		for i, a := range t.actionRow.match.Item.Actions() {
			y := top + 1 + i
			if y >= bottom {
				break
			}
			style := styleDefault
			if i == t.selected {
				style = styleSelected
			}
			drawText(s, 2, y, w, a.Text, style)
		}
	default:
		t.drawRows(s, top, bottom, w)
	}

	if notes := t.host.Notifications(); len(notes) > 0 {
		drawText(s, 0, h-1, w, fmt.Sprintf("%d error(s): %s", len(notes), notes[len(notes)-1]), styleError)
	}
	s.Show()
}

func (t *TUI) drawRows(s tcell.Screen, top, bottom, w int) {
	visible := bottom - top
	if visible <= 0 {
		return
	}
	first := 0
	if t.selected >= visible {
		first = t.selected - visible + 1
	}
	for i := first; i < len(t.rows) && i-first < visible; i++ {
		r := t.rows[i]
		y := top + i - first
		style := styleDefault
		if i == t.selected {
			style = styleSelected
		}
		marker := "  "
		if r.fallback {
			marker = "~ "
		}
		x := drawText(s, 0, y, w, marker+r.match.Item.Text(), style)
		if sub := r.match.Item.Subtext(); sub != "" {
			drawText(s, x+2, y, w, sub, styleDim)
		}
	}
}

func (t *TUI) statusLine() string {
	if t.status != "" {
		return t.status
	}
	q := t.query
	if q == nil {
		return ""
	}
	state := "done"
	if !q.IsFinished() {
		state = "running"
	}
	switch {
	case q.Handler() != "":
		return fmt.Sprintf("%s: %d result(s), %s", q.Handler(), len(t.rows), state)
	case q.String() == "":
		return ""
	default:
		return fmt.Sprintf("%d result(s), %s", len(t.rows), state)
	}
}

// drawText draws text at (x, y) clipped to width w and returns the column
// after it.
func drawText(s tcell.Screen, x, y, w int, text string, style tcell.Style) int {
	for _, r := range text {
		rw := runeWidth(r)
		if rw == 0 {
			continue
		}
		if x+rw > w {
			break
		}
		s.SetContent(x, y, r, nil, style)
		x += rw
	}
	return x
}

// runeWidth returns the display width of a rune.
func runeWidth(r rune) int {
	if r < 32 || r == 0x7F {
		return 0
	}
	if isWide(r) {
		return 2
	}
	return 1
}

var wideRanges = [][2]rune{
	{0x1100, 0x115F},
	{0x2E80, 0x9FFF},
	{0xAC00, 0xD7A3},
	{0xF900, 0xFAFF},
	{0xFE10, 0xFE1F},
	{0xFE30, 0xFE6F},
	{0xFF00, 0xFF60},
	{0xFFE0, 0xFFE6},
	{0x20000, 0x2FFFF},
}

func isWide(r rune) bool {
	for _, rg := range wideRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}
