package ccserver

import (
	"fmt"
	"strings"

	"myT-x/internal/hostmux"
)

// geomNode is a layout-encoder-local tree annotated with the absolute
// rectangle tmux's layout-custom.c format requires (W,H,X,Y per node), built
// by walking a hostmux.SplitNode and a covering rectangle.
type geomNode struct {
	node         *hostmux.SplitNode
	w, h, x, y   int
}

// EncodeLayout renders split into tmux's layout-custom.c string for a tab
// whose overall rectangle is width x height, translating host pane ids to
// CC pane ids via idmap. The output is checksum-prefixed and stable: the
// same tree always produces the same string.
func EncodeLayout(split *hostmux.SplitNode, width, height int, idmap *IDMap) string {
	body := encodeNode(&geomNode{node: split, w: width, h: height, x: 0, y: 0}, idmap)
	csum := layoutChecksum(body)
	return fmt.Sprintf("%04x,%s", csum, body)
}

func encodeNode(g *geomNode, idmap *IDMap) string {
	n := g.node
	if n == nil {
		return fmt.Sprintf("%dx%d,%d,%d,0", g.w, g.h, g.x, g.y)
	}
	if n.Kind == hostmux.SplitLeaf {
		ccID := idmap.InternPane(n.PaneID)
		return fmt.Sprintf("%dx%d,%d,%d,%d", g.w, g.h, g.x, g.y, ccID)
	}

	children := childGeometry(g, n)
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = encodeNode(c, idmap)
	}
	open, close := "{", "}"
	if n.Direction == hostmux.SplitVertical {
		open, close = "[", "]"
	}
	return fmt.Sprintf("%dx%d,%d,%d%s%s%s", g.w, g.h, g.x, g.y, open, strings.Join(parts, ","), close)
}

// childGeometry splits g's rectangle into the two child rectangles implied
// by n.Direction and n.Ratio (the fraction of the split given to
// Children[0]; a one-cell separator line is reserved for the divider, as
// tmux does).
func childGeometry(g *geomNode, n *hostmux.SplitNode) []*geomNode {
	ratio := n.Ratio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	if n.Direction == hostmux.SplitHorizontal {
		total := g.w
		firstW := splitExtent(total, ratio)
		secondW := total - firstW - 1
		if secondW < 1 {
			secondW = 1
			firstW = total - secondW - 1
		}
		return []*geomNode{
			{node: n.Children[0], w: firstW, h: g.h, x: g.x, y: g.y},
			{node: n.Children[1], w: secondW, h: g.h, x: g.x + firstW + 1, y: g.y},
		}
	}
	total := g.h
	firstH := splitExtent(total, ratio)
	secondH := total - firstH - 1
	if secondH < 1 {
		secondH = 1
		firstH = total - secondH - 1
	}
	return []*geomNode{
		{node: n.Children[0], w: g.w, h: firstH, x: g.x, y: g.y},
		{node: n.Children[1], w: g.w, h: secondH, x: g.x, y: g.y + firstH + 1},
	}
}

func splitExtent(total int, ratio float64) int {
	v := int(float64(total)*ratio + 0.5)
	if v < 1 {
		v = 1
	}
	if v > total-2 {
		v = total - 2
	}
	if v < 1 {
		v = 1
	}
	return v
}

// layoutChecksum implements tmux's 16-bit rolling checksum over the raw
// layout string (the part after the "csum," prefix).
func layoutChecksum(s string) uint16 {
	var csum uint16
	for i := 0; i < len(s); i++ {
		csum = (csum >> 1) | ((csum & 1) << 15)
		csum = (csum + uint16(s[i])) & 0xFFFF
	}
	return csum
}
