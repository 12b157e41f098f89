package ccserver

// DispatchResult is a handler's outcome: either a guarded-block body (Err
// nil), an error to report inside %error (Err set), or a cooperative block
// on a wait-for name (Blocked set, everything else ignored until woken).
type DispatchResult struct {
	Body    string
	Err     error
	Blocked string
}

func ok(body string) DispatchResult           { return DispatchResult{Body: body} }
func fail(err error) DispatchResult           { return DispatchResult{Err: err} }
func blocked(name string) DispatchResult      { return DispatchResult{Blocked: name} }

type handlerFunc func(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult

// handlers is the verb -> implementation table backing Dispatch (§4.5,
// §4.7). Built once; every entry is a canonical verb name, never an alias
// (ParseCommand already resolved aliases).
var handlers = map[string]handlerFunc{
	"list-sessions":       handleListSessions,
	"list-windows":        handleListWindows,
	"list-panes":          handleListPanes,
	"list-clients":        handleListClients,
	"list-buffers":        handleListBuffers,
	"list-commands":       handleListCommands,
	"has-session":         handleHasSession,
	"new-session":         handleNewSession,
	"new-window":          handleNewWindow,
	"split-window":        handleSplitWindow,
	"kill-pane":           handleKillPane,
	"kill-window":         handleKillWindow,
	"kill-session":        handleKillSession,
	"kill-server":         handleKillServer,
	"select-pane":         handleSelectPane,
	"select-window":       handleSelectWindow,
	"select-layout":       handleSelectLayout,
	"send-keys":           handleSendKeys,
	"capture-pane":        handleCapturePane,
	"resize-pane":         handleResizePane,
	"resize-window":       handleResizeWindow,
	"rename-session":      handleRenameSession,
	"rename-window":       handleRenameWindow,
	"refresh-client":      handleRefreshClient,
	"display-message":     handleDisplayMessage,
	"show-options":        handleShowOptions,
	"show-window-options": handleShowOptions,
	"set-option":          handleSetOption,
	"attach-session":      handleAttachSession,
	"detach-client":       handleDetachClient,
	"switch-client":       handleSwitchClient,
	"show-buffer":         handleShowBuffer,
	"set-buffer":          handleSetBuffer,
	"delete-buffer":       handleDeleteBuffer,
	"paste-buffer":        handlePasteBuffer,
	"move-pane":           handleMovePane,
	"move-window":         handleMoveWindow,
	"break-pane":          handleBreakPane,
	"copy-mode":           handleCopyMode,
	"wait-for":            handleWaitFor,
	"pipe-pane":           handlePipePane,
	"display-popup":       handleDisplayPopup,
	"run-shell":           handleRunShell,
	"server-info":         handleServerInfo,
}

// Dispatch runs the handler for cmd.Verb. Unknown verbs never reach here —
// ParseCommand already rejected them — so a missing entry is a server bug,
// reported the same way an unknown verb at parse time would be.
func Dispatch(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	h, found := handlers[cmd.Verb]
	if !found {
		return fail(errUnknownVerb(cmd.Verb))
	}
	return h(ctx, conn, cmd)
}

// targetFlag extracts "-t VALUE" from cmd, parsing it as a Target. An
// absent -t parses as the empty target (every component RefNone).
func targetFlag(cmd Command) (Target, error) {
	v, ok := cmd.Flags["t"]
	if !ok {
		return Target{}, nil
	}
	return ParseTarget(v)
}

func formatFlag(cmd Command, fallback string) string {
	if v, ok := cmd.Flags["F"]; ok {
		return v
	}
	return fallback
}
