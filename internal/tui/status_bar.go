package tui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// StatusBar displays persistent session and connection status.
type StatusBar struct {
	*tview.TextView
	session  string
	state    string
	typing   bool
	caughtUp bool
	flash    string
}

// NewStatusBar creates the status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv}
}

// SetSession updates the session name display.
func (sb *StatusBar) SetSession(name string) {
	sb.session = name
	sb.render()
}

// SetState updates the session state display.
func (sb *StatusBar) SetState(state string) {
	sb.state = state
	sb.render()
}

// SetTyping toggles the peer typing indicator.
func (sb *StatusBar) SetTyping(typing bool) {
	sb.typing = typing
	sb.render()
}

// SetCaughtUp toggles the all-read marker.
func (sb *StatusBar) SetCaughtUp(up bool) {
	sb.caughtUp = up
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	stateColor := "green"
	switch sb.state {
	case "RECONNECTING", "SYNCING", "CONNECTING":
		stateColor = "yellow"
	case "CLOSED", "":
		stateColor = "red"
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | [%s]%s[-]", sb.session, stateColor, sb.state)
	if sb.typing {
		line += " | [green]typing…[-]"
	}
	if sb.caughtUp {
		line += " | [blue]✓✓ all read[-]"
	}
	line += " | " + time.Now().Format("15:04")
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", sb.flash)
	}

	_, _ = fmt.Fprint(sb, line)
}
