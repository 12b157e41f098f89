package ccserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// IDMap is a bidirectional, monotonic mapping between host ids and CC ids
// for sessions ($N, keyed by workspace name), windows (@N, keyed by host
// tab id), and panes (%N, keyed by host pane id). Intern is idempotent: the
// same host key always yields the same CC id for the lifetime of the map.
//
// id_map and the host mux refer to each other only by opaque ids; cleanup on
// host-removal events runs here, not in the host mux.
type IDMap struct {
	mu sync.Mutex

	sessionByName map[string]int
	sessionByID   map[int]string
	nextSession   int

	windowByTab map[int]int
	windowByID  map[int]int
	nextWindow  int

	paneByHost map[int]int
	paneByID   map[int]int
	nextPane   int

	// hostWindowTabs tracks which host tabs a host window currently groups,
	// so %window-close / %sessions-changed granularity can be computed
	// without consulting the host mux again.
	hostWindowTabs map[int]map[int]struct{}
	// tabWorkspace tracks which workspace a host tab last belonged to.
	tabWorkspace map[int]string

	cacheDir string
	workspace string
}

// NewIDMap constructs an empty map. cacheDir/workspace are used only by
// Save/Load; pass an empty cacheDir to disable persistence.
func NewIDMap(cacheDir, workspace string) *IDMap {
	return &IDMap{
		sessionByName:  map[string]int{},
		sessionByID:    map[int]string{},
		windowByTab:    map[int]int{},
		windowByID:     map[int]int{},
		paneByHost:     map[int]int{},
		paneByID:       map[int]int{},
		hostWindowTabs: map[int]map[int]struct{}{},
		tabWorkspace:   map[int]string{},
		cacheDir:       cacheDir,
		workspace:      workspace,
	}
}

// InternSession returns the CC id for workspaceName, allocating one if this
// is the first reference.
func (m *IDMap) InternSession(workspaceName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sessionByName[workspaceName]; ok {
		return id
	}
	m.nextSession++
	id := m.nextSession
	m.sessionByName[workspaceName] = id
	m.sessionByID[id] = workspaceName
	return id
}

// InternWindow returns the CC id for hostTabID, allocating one if needed.
func (m *IDMap) InternWindow(hostTabID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.windowByTab[hostTabID]; ok {
		return id
	}
	m.nextWindow++
	id := m.nextWindow
	m.windowByTab[hostTabID] = id
	m.windowByID[id] = hostTabID
	return id
}

// InternPane returns the CC id for hostPaneID, allocating one if needed.
func (m *IDMap) InternPane(hostPaneID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.paneByHost[hostPaneID]; ok {
		return id
	}
	m.nextPane++
	id := m.nextPane
	m.paneByHost[hostPaneID] = id
	m.paneByID[id] = hostPaneID
	return id
}

// SessionName reverses a CC session id back to its workspace name.
func (m *IDMap) SessionName(ccID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.sessionByID[ccID]
	return name, ok
}

// SessionID looks up the CC id for workspaceName without interning.
func (m *IDMap) SessionID(workspaceName string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionByName[workspaceName]
	return id, ok
}

// HostTab reverses a CC window id back to its host tab id.
func (m *IDMap) HostTab(ccID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.windowByID[ccID]
	return id, ok
}

// WindowID looks up the CC id for a host tab without interning.
func (m *IDMap) WindowID(hostTabID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.windowByTab[hostTabID]
	return id, ok
}

// HostPane reverses a CC pane id back to its host pane id.
func (m *IDMap) HostPane(ccID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.paneByID[ccID]
	return id, ok
}

// PaneID looks up the CC id for a host pane without interning.
func (m *IDMap) PaneID(hostPaneID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.paneByHost[hostPaneID]
	return id, ok
}

// TrackTabInWindow records that hostTabID is (still) grouped under
// hostWindowID, and that it belongs to workspace. Called on
// TabAddedToWindow.
func (m *IDMap) TrackTabInWindow(hostWindowID, hostTabID int, workspace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.hostWindowTabs[hostWindowID]
	if !ok {
		set = map[int]struct{}{}
		m.hostWindowTabs[hostWindowID] = set
	}
	set[hostTabID] = struct{}{}
	m.tabWorkspace[hostTabID] = workspace
}

// UntrackWindow removes the host-window → tab-set entry, returning the tabs
// it had grouped (so the caller can emit %window-close for each).
func (m *IDMap) UntrackWindow(hostWindowID int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.hostWindowTabs[hostWindowID]
	delete(m.hostWindowTabs, hostWindowID)
	tabs := make([]int, 0, len(set))
	for tab := range set {
		tabs = append(tabs, tab)
	}
	return tabs
}

// TabWorkspace reports which workspace a host tab last belonged to.
func (m *IDMap) TabWorkspace(hostTabID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.tabWorkspace[hostTabID]
	return ws, ok
}

// EvictPane removes a pane mapping entirely (PaneRemoved).
func (m *IDMap) EvictPane(hostPaneID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ccID, ok := m.paneByHost[hostPaneID]; ok {
		delete(m.paneByHost, hostPaneID)
		delete(m.paneByID, ccID)
	}
}

// EvictWindow removes a window mapping entirely (kill-window / tab close).
func (m *IDMap) EvictWindow(hostTabID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ccID, ok := m.windowByTab[hostTabID]; ok {
		delete(m.windowByTab, hostTabID)
		delete(m.windowByID, ccID)
	}
	delete(m.tabWorkspace, hostTabID)
}

// EvictSession removes a session mapping entirely (workspace destroyed).
func (m *IDMap) EvictSession(workspaceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ccID, ok := m.sessionByName[workspaceName]; ok {
		delete(m.sessionByName, workspaceName)
		delete(m.sessionByID, ccID)
	}
}

// RekeySession re-keys a session mapping under a new workspace name
// (WorkspaceRenamed), preserving its CC id.
func (m *IDMap) RekeySession(oldName, newName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionByName[oldName]
	if !ok {
		return
	}
	delete(m.sessionByName, oldName)
	m.sessionByName[newName] = id
	m.sessionByID[id] = newName
}

// persistedIDMap is the on-disk schema (§6 "Persisted state").
type persistedIDMap struct {
	PaneMap    map[string]int `json:"pane_map"`
	TabMap     map[string]int `json:"tab_map"`
	SessionMap map[string]int `json:"session_map"`
	NextPane   int            `json:"next_pane"`
	NextWindow int            `json:"next_window"`
	NextSession int           `json:"next_session"`
}

var filenameSanitizer = regexp.MustCompile(`[/\\:]`)

func idMapFilePath(cacheDir, workspace string) string {
	safe := filenameSanitizer.ReplaceAllString(workspace, "_")
	return filepath.Join(cacheDir, fmt.Sprintf("tmux-id-map-%s.json", safe))
}

// Save serialises the three maps and counters to <cache_dir>/tmux-id-map-<workspace>.json
// using the same temp-file+rename discipline as the rest of the host config
// stack, so a crash mid-write never leaves a truncated file behind.
func (m *IDMap) Save() error {
	if m.cacheDir == "" {
		return nil
	}
	m.mu.Lock()
	doc := persistedIDMap{
		PaneMap:     make(map[string]int, len(m.paneByHost)),
		TabMap:      make(map[string]int, len(m.windowByTab)),
		SessionMap:  make(map[string]int, len(m.sessionByName)),
		NextPane:    m.nextPane,
		NextWindow:  m.nextWindow,
		NextSession: m.nextSession,
	}
	for host, cc := range m.paneByHost {
		doc.PaneMap[fmt.Sprintf("%d", host)] = cc
	}
	for host, cc := range m.windowByTab {
		doc.TabMap[fmt.Sprintf("%d", host)] = cc
	}
	for name, cc := range m.sessionByName {
		doc.SessionMap[name] = cc
	}
	m.mu.Unlock()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("id map: marshal: %w", err)
	}
	path := idMapFilePath(m.cacheDir, m.workspace)
	return atomicWriteFile(path, raw)
}

// LoadIDMap loads a persisted id map from disk, then prunes any entry whose
// host id is no longer present according to isLiveHostPane/Tab/Workspace.
// Corrupt or missing files are ignored and yield a fresh map.
func LoadIDMap(cacheDir, workspace string, isLiveHostPane func(int) bool, isLiveHostTab func(int) bool, isLiveWorkspace func(string) bool) *IDMap {
	m := NewIDMap(cacheDir, workspace)
	if cacheDir == "" {
		return m
	}
	path := idMapFilePath(cacheDir, workspace)
	raw, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	var doc persistedIDMap
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("[ccserver] id map file corrupt, starting fresh", "path", path, "error", err)
		return m
	}

	for key, cc := range doc.PaneMap {
		host, ok := parseDigits(key)
		if !ok || (isLiveHostPane != nil && !isLiveHostPane(host)) {
			continue
		}
		m.paneByHost[host] = cc
		m.paneByID[cc] = host
	}
	for key, cc := range doc.TabMap {
		host, ok := parseDigits(key)
		if !ok || (isLiveHostTab != nil && !isLiveHostTab(host)) {
			continue
		}
		m.windowByTab[host] = cc
		m.windowByID[cc] = host
	}
	for name, cc := range doc.SessionMap {
		if isLiveWorkspace != nil && !isLiveWorkspace(name) {
			continue
		}
		m.sessionByName[name] = cc
		m.sessionByID[cc] = name
	}
	m.nextPane = doc.NextPane
	m.nextWindow = doc.NextWindow
	m.nextSession = doc.NextSession
	slog.Debug("[ccserver] id map loaded", "path", path, "panes", len(m.paneByHost), "windows", len(m.windowByTab), "sessions", len(m.sessionByName))
	return m
}

const renameRetryBaseDelay = 10 * time.Millisecond
const maxRenameRetry = 5

// atomicWriteFile writes data to path via temp-file + rename, mirroring the
// host config loader's write discipline (internal/config).
func atomicWriteFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("id map: mkdir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmux-id-map.tmp.*")
	if err != nil {
		return fmt.Errorf("id map: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
		}
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("id map: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("id map: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("id map: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("id map: close: %w", err)
	}
	for attempt := 0; attempt < maxRenameRetry; attempt++ {
		err = os.Rename(tmpPath, path)
		if err == nil {
			return nil
		}
		if runtime.GOOS != "windows" {
			return fmt.Errorf("id map: rename: %w", err)
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return fmt.Errorf("id map: rename: %w", err)
}
