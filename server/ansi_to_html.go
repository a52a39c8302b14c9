package main

import (
	"fmt"
	"html"
	"html/template"
	"strconv"
	"strings"
)

// Notebook stream output and tracebacks arrive with terminal escape
// codes in them. CellOutputHTML turns one output block into HTML that
// reproduces the colors, so feedback pages can show a traceback the way
// a terminal would.
func CellOutputHTML(s string) template.HTML {
	var b strings.Builder
	b.WriteString(`<pre class="cell-output">`)
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		// progress bars rewrite the line with bare carriage
		// returns, only the last state matters
		if cr := strings.LastIndexByte(line, '\r'); cr >= 0 {
			line = line[cr+1:]
		}
		writeColoredLine(&b, line)
	}
	b.WriteString(`</pre>`)
	return template.HTML(b.String())
}

// sgrStyle tracks the subset of terminal attributes that notebook
// tracebacks actually use: bold, intensity, and the 16 and 256 color
// palettes.
type sgrStyle struct {
	fg   string
	bg   string
	bold bool
}

func (st *sgrStyle) css() string {
	var parts []string
	if st.fg != "" {
		parts = append(parts, "color:"+st.fg)
	}
	if st.bg != "" {
		parts = append(parts, "background-color:"+st.bg)
	}
	if st.bold {
		parts = append(parts, "font-weight:bold")
	}
	return strings.Join(parts, ";")
}

func (st *sgrStyle) apply(params []int) {
	for i := 0; i < len(params); i++ {
		switch p := params[i]; {
		case p == 0:
			*st = sgrStyle{}
		case p == 1:
			st.bold = true
		case p == 22:
			st.bold = false
		case p >= 30 && p <= 37:
			st.fg = palette16(p-30, false)
		case p >= 90 && p <= 97:
			st.fg = palette16(p-90, true)
		case p >= 40 && p <= 47:
			st.bg = palette16(p-40, false)
		case p >= 100 && p <= 107:
			st.bg = palette16(p-100, true)
		case p == 39:
			st.fg = ""
		case p == 49:
			st.bg = ""
		case p == 38 || p == 48:
			// extended color: 38;5;n or 38;2;r;g;b
			color := ""
			if i+2 < len(params) && params[i+1] == 5 {
				color = palette256(params[i+2])
				i += 2
			} else if i+4 < len(params) && params[i+1] == 2 {
				color = fmt.Sprintf("rgb(%d,%d,%d)", params[i+2], params[i+3], params[i+4])
				i += 4
			} else {
				i++
				continue
			}
			if p == 38 {
				st.fg = color
			} else {
				st.bg = color
			}
		}
	}
}

func writeColoredLine(b *strings.Builder, line string) {
	var st sgrStyle
	open := false
	closeSpan := func() {
		if open {
			b.WriteString("</span>")
			open = false
		}
	}

	for len(line) > 0 {
		esc := strings.IndexByte(line, 0x1b)
		if esc < 0 {
			b.WriteString(html.EscapeString(line))
			break
		}
		b.WriteString(html.EscapeString(line[:esc]))
		line = line[esc:]

		params, rest, ok := parseSGR(line)
		if !ok {
			// some other escape sequence, drop the ESC byte
			line = line[1:]
			continue
		}
		line = rest
		closeSpan()
		st.apply(params)
		if css := st.css(); css != "" {
			b.WriteString(`<span style="` + css + `">`)
			open = true
		}
	}
	closeSpan()
}

// parseSGR consumes one "ESC [ params m" sequence from the front of s.
func parseSGR(s string) (params []int, rest string, ok bool) {
	if len(s) < 2 || s[0] != 0x1b || s[1] != '[' {
		return nil, s, false
	}
	i := 2
	for i < len(s) && (s[i] == ';' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	if i >= len(s) || s[i] != 'm' {
		return nil, s, false
	}
	body := s[2:i]
	if body == "" {
		return []int{0}, s[i+1:], true
	}
	for _, part := range strings.Split(body, ";") {
		n, err := strconv.Atoi(part)
		if err != nil {
			n = 0
		}
		params = append(params, n)
	}
	return params, s[i+1:], true
}

var basicColors = [16]string{
	"#000000", "#cd3131", "#0dbc79", "#e5e510",
	"#2472c8", "#bc3fbc", "#11a8cd", "#e5e5e5",
	"#666666", "#f14c4c", "#23d18b", "#f5f543",
	"#3b8eea", "#d670d6", "#29b8db", "#ffffff",
}

func palette16(n int, bright bool) string {
	if bright {
		n += 8
	}
	return basicColors[n&15]
}

// palette256 follows the xterm layout: 16 basic colors, a 6x6x6 color
// cube, then a 24-step grayscale ramp.
func palette256(n int) string {
	switch {
	case n < 0:
		return basicColors[0]
	case n < 16:
		return basicColors[n]
	case n <= 231:
		n -= 16
		steps := [6]int{0, 95, 135, 175, 215, 255}
		return fmt.Sprintf("rgb(%d,%d,%d)", steps[n/36], steps[(n%36)/6], steps[n%6])
	case n <= 255:
		gray := 8 + (n-232)*10
		return fmt.Sprintf("rgb(%d,%d,%d)", gray, gray, gray)
	default:
		return basicColors[15]
	}
}
