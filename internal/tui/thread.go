package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/dmelo/parley/internal/conversation"
)

// Thread displays one conversation: the message log, a typing indicator
// line, and the composer.
type Thread struct {
	*tview.Flex
	messages *tview.TextView
	typing   *tview.TextView
	composer *tview.InputField
	peerName string
	onSend   func(text string)
	onChange func(text string)
}

// NewThread creates the thread view.
func NewThread() *Thread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true).SetTitle(" Messages ")

	typing := tview.NewTextView().
		SetDynamicColors(true)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true).SetTitle(" Compose ")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, false).
		AddItem(typing, 1, 0, false).
		AddItem(composer, 3, 0, true)

	th := &Thread{
		Flex:     flex,
		messages: messages,
		typing:   typing,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && th.onSend != nil {
			text := composer.GetText()
			if text != "" {
				th.onSend(text)
				composer.SetText("")
			}
		}
	})
	composer.SetChangedFunc(func(text string) {
		if th.onChange != nil {
			th.onChange(text)
		}
	})

	return th
}

// SetPeerName updates the view title.
func (th *Thread) SetPeerName(name string) {
	th.peerName = name
	th.messages.SetTitle(fmt.Sprintf(" %s ", name))
}

// SetOnSend sets the callback when a message is submitted.
func (th *Thread) SetOnSend(fn func(text string)) {
	th.onSend = fn
}

// SetOnChange sets the callback for composer keystrokes, wired to the
// typing coordinator.
func (th *Thread) SetOnChange(fn func(text string)) {
	th.onChange = fn
}

// SetPeerTyping toggles the typing indicator line.
func (th *Thread) SetPeerTyping(typing bool) {
	th.typing.Clear()
	if typing {
		_, _ = fmt.Fprintf(th.typing, " [green]%s is typing…[-]", th.peerName)
	}
}

// Update re-renders the message log from a store snapshot.
func (th *Thread) Update(msgs []conversation.Message) {
	th.messages.Clear()

	for _, m := range msgs {
		sender := th.peerName
		if m.Direction == conversation.Outgoing {
			sender = "You"
		}
		ts := ""
		if !m.CreatedAt.IsZero() {
			ts = formatTimestamp(m.CreatedAt.UnixMilli())
		}
		line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-] %s\n%s\n\n",
			sender, ts, deliveryMark(m), sanitizeForTerminal(m.Text))
		_, _ = fmt.Fprint(th.messages, line)
	}

	th.messages.ScrollToEnd()
}

// deliveryMark renders the per-message delivery indicator for outgoing
// messages. Incoming messages carry no mark.
func deliveryMark(m conversation.Message) string {
	if m.Direction != conversation.Outgoing {
		return ""
	}
	switch m.State {
	case conversation.StatePending:
		return "[gray]⌛[-]"
	case conversation.StateSent:
		return "[gray]✓[-]"
	case conversation.StateDelivered:
		return "[gray]✓✓[-]"
	case conversation.StateRead:
		return "[blue]✓✓[-]"
	case conversation.StateFailed:
		return "[red]✗ failed[-]"
	default:
		return ""
	}
}
