// Package hostmux models the primitives of the GPU-accelerated host
// multiplexer that internal/ccserver drives: workspaces, the host windows
// that group tabs on screen, tabs, and the panes living inside a tab's
// split tree. These are the concrete types behind the "Expected host-mux
// interface" described by the control-mode compatibility server spec.
package hostmux

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"myT-x/internal/terminal"
)

// SplitDirection is the pane split orientation within a tab's tree.
type SplitDirection string

const (
	SplitHorizontal SplitDirection = "horizontal" // side-by-side panes
	SplitVertical   SplitDirection = "vertical"   // stacked panes
)

// SplitNodeKind distinguishes a tree leaf (one pane) from an internal split.
type SplitNodeKind string

const (
	SplitLeaf     SplitNodeKind = "leaf"
	SplitInternal SplitNodeKind = "internal"
)

// SplitNode is a binary tree mirroring the host's on-screen pane
// arrangement for one tab. Leaves carry a pane id; internal nodes carry a
// direction, a size ratio for the first child, and two children.
//
// This tree carries structure only (no absolute geometry) — internal/ccserver's
// layout encoder walks it together with the tab's total Width/Height to
// compute the per-pane rectangles the CC wire format requires.
type SplitNode struct {
	Kind      SplitNodeKind
	PaneID    int
	Direction SplitDirection
	Ratio     float64// size fraction of Children[0]; Children[1] gets the remainder
	Children  [2]*SplitNode
}

func newLeaf(paneID int) *SplitNode {
	return &SplitNode{Kind: SplitLeaf, PaneID: paneID}
}

// CloneSplit deep-copies a split tree so callers can read it outside any lock.
func CloneSplit(n *SplitNode) *SplitNode {
	if n == nil {
		return nil
	}
	out := &SplitNode{Kind: n.Kind, PaneID: n.PaneID, Direction: n.Direction, Ratio: n.Ratio}
	out.Children[0] = CloneSplit(n.Children[0])
	out.Children[1] = CloneSplit(n.Children[1])
	return out
}

// Pane is one shell/PTY leaf, addressed by the host's stable integer id.
type Pane struct {
	ID       int
	Index    int // position among Tab.Panes, kept in sync with slice order
	Width    int
	Height   int
	Left     int // origin within the tab, in cells
	Top      int
	Active   bool
	Dead     bool
	Title    string
	Cwd      string
	Command  string // foreground process name, best-effort
	Pid      int
	Terminal *terminal.Terminal
	Tab      *Tab
	HeaderOn bool   // pane-border-status toggle (set-option)
	Header   string // pane-border-format result cached for display

	scroll *scrollback // capture-pane history; nil until first output
}

func (p *Pane) String() string {
	return fmt.Sprintf("%%%d", p.ID)
}

// Tab is the host's equivalent of a tmux window: one split tree of panes,
// living inside exactly one HostWindow, belonging to exactly one Workspace.
type Tab struct {
	ID           int
	Name         string
	Panes        []*Pane
	Split        *SplitNode
	ActivePaneID int
	HostWindowID int
	Workspace    *Workspace
	Zoomed       bool
	LastActive   bool // true if this was the previously-active tab in its HostWindow
}

// HostWindow groups the tabs the host physically displays together
// (an on-screen window/frame). A HostWindow can contain tabs belonging to
// different workspaces; the id map (§4.4) tracks this independently of
// workspace membership so %window-close/%sessions-changed can be emitted
// at the right granularity.
type HostWindow struct {
	ID         int
	TabIDs     []int
	ActiveTabID int
}

// Workspace is the host's equivalent of a tmux session: a named, ordered
// collection of tabs.
type Workspace struct {
	Name         string
	Tabs         []*Tab
	ActiveTabID  int
	CreatedAt    time.Time
	Attached     bool

	// ProvisionToken identifies this workspace's creation independent of
	// Name (which a rename can change): callers provisioning a workspace
	// out-of-band can use it to recognize their own request across a
	// retry without racing on the human-facing name.
	ProvisionToken string
}

// newProvisionToken returns a fresh workspace provisioning token.
func newProvisionToken() string { return uuid.NewString() }
