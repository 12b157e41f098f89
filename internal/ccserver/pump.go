package ccserver

import "myT-x/internal/hostmux"

// handleHostEvent is the notification pump (§4.10): it translates one
// hostmux.Event into zero or more CC wire lines and fans them out to every
// connection whose id map already knows the affected entity (or that needs
// to learn of it for the first time, e.g. a brand-new window/pane).
//
// It runs synchronously on the publisher's goroutine (hostmux.Bus.Publish's
// contract), so it must never block — every line is handed to
// Connection.EnqueueImmediate, which only appends to a slice under a mutex.
func (s *Server) handleHostEvent(evt hostmux.Event) {
	switch evt.Kind {
	case hostmux.EventPaneAdded:
		ccWindow := s.IDMap.InternWindow(evt.HostTabID)
		ccPane := s.IDMap.InternPane(evt.HostPaneID)
		s.eachConnection(func(c *Connection) {
			c.EnqueueImmediate(NotifyWindowPaneChanged(ccWindow, ccPane))
		})

	case hostmux.EventPaneRemoved:
		s.IDMap.EvictPane(evt.HostPaneID)

	case hostmux.EventPaneFocused:
		ccWindow, ok := s.IDMap.WindowID(evt.HostTabID)
		if !ok {
			return
		}
		ccPane, ok := s.IDMap.PaneID(evt.HostPaneID)
		if !ok {
			return
		}
		s.eachConnection(func(c *Connection) {
			c.EnqueueImmediate(NotifyWindowPaneChanged(ccWindow, ccPane))
		})

	case hostmux.EventPaneOutput:
		ccPane, ok := s.IDMap.PaneID(evt.HostPaneID)
		if !ok {
			return
		}
		s.eachConnection(func(c *Connection) {
			if line := c.ObservePaneOutput(ccPane, evt.Bytes); line != "" {
				c.EnqueueImmediate(line)
			}
		})

	case hostmux.EventTabResized:
		ccWindow, ok := s.IDMap.WindowID(evt.HostTabID)
		if !ok {
			return
		}
		tab, ok := s.Mux.Tab(evt.HostTabID)
		if !ok {
			return
		}
		w, h := tabExtent(tab)
		layout := EncodeLayout(tab.Split, w, h, s.IDMap)
		s.eachConnection(func(c *Connection) {
			c.EnqueueImmediate(NotifyLayoutChange(ccWindow, layout))
		})

	case hostmux.EventTabTitleChanged:
		ccWindow, ok := s.IDMap.WindowID(evt.HostTabID)
		if !ok {
			return
		}
		s.eachConnection(func(c *Connection) {
			c.EnqueueImmediate(NotifyWindowRenamed(ccWindow, evt.NewName))
		})

	case hostmux.EventTabAddedToWindow:
		if s.consumeSuppressWindowChange(evt.HostWindowID) {
			return
		}
		ws, ok := s.workspaceOfTab(evt.HostTabID)
		if ok {
			s.IDMap.TrackTabInWindow(evt.HostWindowID, evt.HostTabID, ws)
		}
		ccWindow := s.IDMap.InternWindow(evt.HostTabID)
		s.eachConnection(func(c *Connection) {
			c.EnqueueImmediate(NotifyWindowAdd(ccWindow))
		})

	case hostmux.EventWindowInvalidated:
		if s.consumeSuppressWindowChange(evt.HostWindowID) {
			return
		}
		s.eachConnection(func(c *Connection) {
			c.EnqueueImmediate(NotifySessionsChanged())
		})

	case hostmux.EventWindowRemoved:
		tabs := s.IDMap.UntrackWindow(evt.HostWindowID)
		for _, tabID := range tabs {
			if ccWindow, ok := s.IDMap.WindowID(tabID); ok {
				s.eachConnection(func(c *Connection) {
					c.EnqueueImmediate(NotifyWindowClose(ccWindow))
				})
			}
			s.IDMap.EvictWindow(tabID)
		}

	case hostmux.EventWorkspaceRenamed:
		ccSession, ok := s.IDMap.SessionID(evt.OldName)
		if !ok {
			return
		}
		s.IDMap.RekeySession(evt.OldName, evt.NewName)
		s.eachConnection(func(c *Connection) {
			c.EnqueueImmediate(NotifySessionRenamed(ccSession, evt.NewName))
		})

	case hostmux.EventAssignClipboard:
		s.eachConnection(func(c *Connection) {
			name := c.buffers.AssignClipboard([]byte(evt.ClipboardData))
			c.EnqueueImmediate(NotifyPasteBufferChanged(name))
		})
	}
}

// workspaceOfTab finds which live workspace currently owns a host tab, by
// walking the host mux rather than trusting stale id-map bookkeeping.
func (s *Server) workspaceOfTab(hostTabID int) (string, bool) {
	for _, ws := range s.Mux.Workspaces() {
		for _, t := range ws.Tabs {
			if t != nil && t.ID == hostTabID {
				return ws.Name, true
			}
		}
	}
	return "", false
}
