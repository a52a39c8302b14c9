package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCellOutputHTMLPlainText(t *testing.T) {
	got := string(CellOutputHTML("hello\nworld"))
	assert.Equal(t, `<pre class="cell-output">hello`+"\n"+`world</pre>`, got)
}

func TestCellOutputHTMLEscapes(t *testing.T) {
	got := string(CellOutputHTML("<script>alert(1)</script>"))
	assert.NotContains(t, got, "<script>")
	assert.Contains(t, got, "&lt;script&gt;")
}

func TestCellOutputHTMLColors(t *testing.T) {
	// a red traceback line, the way a notebook records one
	got := string(CellOutputHTML("\x1b[0;31mAssertionError\x1b[0m: expected 4"))
	assert.Contains(t, got, `<span style="color:#cd3131">AssertionError</span>`)
	assert.Contains(t, got, ": expected 4")
	assert.NotContains(t, got, "\x1b")
}

func TestCellOutputHTMLBoldAndBright(t *testing.T) {
	got := string(CellOutputHTML("\x1b[1;32mok\x1b[0m"))
	assert.Contains(t, got, "color:#0dbc79")
	assert.Contains(t, got, "font-weight:bold")
}

func TestCellOutputHTMLExtendedColors(t *testing.T) {
	got := string(CellOutputHTML("\x1b[38;5;196mdeep red\x1b[0m \x1b[38;2;10;20;30mtrue color\x1b[0m"))
	assert.Contains(t, got, "rgb(255,0,0)")
	assert.Contains(t, got, "rgb(10,20,30)")
}

func TestCellOutputHTMLCarriageReturnKeepsLastState(t *testing.T) {
	got := string(CellOutputHTML("progress 10%\rprogress 50%\rprogress 100%"))
	assert.Contains(t, got, "progress 100%")
	assert.NotContains(t, got, "progress 10%")
}

func TestCellOutputHTMLDropsUnknownEscapes(t *testing.T) {
	// cursor movement sequences are discarded, not printed
	got := string(CellOutputHTML("\x1b[2Khello"))
	assert.Contains(t, got, "hello")
	assert.NotContains(t, got, "\x1b")
}
