package hostmux

// startPaneOutputPump wires a pane's PTY read loop into the scrollback ring
// and the event bus. One goroutine per pane, for the pane's lifetime; it
// exits when the Terminal's read loop returns (process exit or Close).
func (m *Manager) startPaneOutputPump(pane *Pane) {
	if pane == nil || pane.Terminal == nil {
		return
	}
	go pane.Terminal.ReadLoop(func(data []byte) {
		m.mu.Lock()
		if pane.scroll == nil {
			pane.scroll = newScrollback()
		}
		sb := pane.scroll
		tabID := -1
		if pane.Tab != nil {
			tabID = pane.Tab.ID
		}
		m.mu.Unlock()

		sb.Feed(data)
		m.bus.Publish(Event{Kind: EventPaneOutput, HostPaneID: pane.ID, HostTabID: tabID, Bytes: data})
	})
}
