package tui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/dmelo/parley/internal/cache"
)

// ConversationList is the landing view: cached thread summaries as a table.
type ConversationList struct {
	*tview.Table
	convs    []cache.Conversation
	onSelect func(peerID string)
}

// NewConversationList creates the conversation table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversations ")

	cl := &ConversationList{Table: table}
	table.SetSelectedFunc(func(row, col int) {
		if peer := cl.Selected(); peer != "" && cl.onSelect != nil {
			cl.onSelect(peer)
		}
	})
	return cl
}

// SetOnSelect sets the callback when a conversation is opened.
func (cl *ConversationList) SetOnSelect(fn func(peerID string)) {
	cl.onSelect = fn
}

// Update refreshes the table with new summaries.
func (cl *ConversationList) Update(convs []cache.Conversation) {
	cl.convs = convs
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, c := range convs {
		row := i + 1
		name := c.PeerName
		if c.UnreadCount > 0 {
			name = fmt.Sprintf("* %s (%d)", name, c.UnreadCount)
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+sanitizeForTerminal(name)).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+sanitizeForTerminal(c.LastMessagePreview)).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatTimestamp(c.LastMessageAt)).SetMaxWidth(12))
	}
}

// Selected returns the peer id of the highlighted row.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	idx := row - 1 // account for header
	if idx >= 0 && idx < len(cl.convs) {
		return cl.convs[idx].PeerID
	}
	return ""
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
