package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// border is the set of runes one box style is drawn with.
type border struct {
	tl, tr, bl, br, h, v string
}

var (
	stepBorder      = border{"┌", "┐", "└", "┘", "─", "│"}
	containerBorder = border{"╔", "╗", "╚", "╝", "═", "║"}
	terminalBorder  = border{"╭", "╮", "╰", "╯", "─", "│"}
	excludedBorder  = border{"┌", "┐", "└", "┘", "┄", "┆"}
)

func borderFor(node *Node) border {
	switch {
	case node.Status != nil && node.Status.Excluded:
		return excludedBorder
	case node.Kind == NodeKindContainer:
		return containerBorder
	case node.Kind == NodeKindStart, node.Kind == NodeKindEnd:
		return terminalBorder
	default:
		return stepBorder
	}
}

func statusTag(class string) string {
	switch class {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "suspended":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII draws the runtime DAG one level per row. Container steps are drawn with a double
// border holding their leaf rollup, steps excluded from a restart with a dashed border. Each row
// is followed by the transitions leaving it.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		b.WriteString(model.Title + "\n")
		b.WriteString(strings.Repeat("=", utf8.RuneCountInString(model.Title)) + "\n\n")
	}

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}
	out := make(map[string][]Edge)
	for _, e := range model.Edges {
		out[e.From] = append(out[e.From], e)
	}

	for i, level := range model.Levels {
		var row []box
		for _, id := range level {
			if node, ok := index[id]; ok {
				row = append(row, newBox(node, len(out[id]) > 0))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			writeTransitions(&b, row, out, index)
		}
	}
	return b.String()
}

type box struct {
	node  *Node
	lines []string
	width int
}

func newBox(node *Node, hasNext bool) box {
	content := boxContent(node)
	inner := 0
	for _, line := range content {
		if n := utf8.RuneCountInString(line); n > inner {
			inner = n
		}
	}
	st := borderFor(node)
	width := inner + 4

	bottom := strings.Repeat(st.h, width-2)
	if hasNext {
		mid := (width - 2) / 2
		bottom = strings.Repeat(st.h, mid) + "┬" + strings.Repeat(st.h, width-3-mid)
	}

	lines := []string{st.tl + strings.Repeat(st.h, width-2) + st.tr}
	for _, line := range content {
		pad := inner - utf8.RuneCountInString(line)
		lines = append(lines, st.v+" "+line+strings.Repeat(" ", pad)+" "+st.v)
	}
	lines = append(lines, st.bl+bottom+st.br)
	return box{node: node, lines: lines, width: width}
}

func boxContent(node *Node) []string {
	lines := []string{firstLine(node.Label)}
	if s := node.Status; s != nil {
		tag := statusTag(s.Status)
		switch {
		case s.Excluded:
			lines = append(lines, strings.TrimSpace(tag+" excluded"))
		case s.StepStatus != "":
			lines = append(lines, strings.TrimSpace(tag+" "+string(s.StepStatus)))
		case tag != "":
			lines = append(lines, tag)
		}
		if s.DurationMs > 0 {
			lines = append(lines, fmt.Sprintf("%dms", s.DurationMs))
		}
	}
	if node.Kind == NodeKindContainer {
		for _, sg := range node.Children {
			lines = append(lines, "··· "+sg.Label)
			for _, leaf := range sg.Nodes {
				lines = append(lines, leaf.Label)
			}
		}
	}
	return lines
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		if len(bx.lines) > height {
			height = len(bx.lines)
		}
	}
	for r := 0; r < height; r++ {
		var line strings.Builder
		for i, bx := range row {
			if i > 0 {
				line.WriteString("  ")
			}
			if r < len(bx.lines) {
				line.WriteString(bx.lines[r])
			} else {
				line.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteString(strings.TrimRight(line.String(), " ") + "\n")
	}
}

// writeTransitions marks every box with outgoing edges and lists where they lead.
func writeTransitions(b *strings.Builder, row []box, out map[string][]Edge, index map[string]*Node) {
	var arrows strings.Builder
	col := 0
	for i, bx := range row {
		if i > 0 {
			col += 2
		}
		if len(out[bx.node.ID]) > 0 {
			center := col + 1 + (bx.width-2)/2
			arrows.WriteString(strings.Repeat(" ", center-utf8.RuneCountInString(arrows.String())) + "▼")
		}
		col += bx.width
	}
	if arrows.Len() == 0 {
		return
	}
	b.WriteString(arrows.String() + "\n")

	for _, bx := range row {
		edges := out[bx.node.ID]
		if len(edges) == 0 {
			continue
		}
		targets := make([]string, 0, len(edges))
		for _, e := range edges {
			target := e.To
			if n, ok := index[e.To]; ok {
				target = firstLine(n.Label)
			}
			if e.Label != "" {
				target += " [" + e.Label + "]"
			}
			targets = append(targets, target)
		}
		fmt.Fprintf(b, "  %s ─→ %s\n", firstLine(bx.node.Label), strings.Join(targets, ", "))
	}
	b.WriteByte('\n')
}
