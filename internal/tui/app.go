// Package tui is the terminal front-end: a conversation list backed by
// the local cache and a live thread view driven by the sync controller's
// read model. All engine state arrives over the bus; the TUI never
// touches the socket directly.
package tui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/dmelo/parley/internal/bus"
	"github.com/dmelo/parley/internal/cache"
	"github.com/dmelo/parley/internal/conversation"
	"github.com/dmelo/parley/internal/delivery"
	"github.com/dmelo/parley/internal/rest"
	"github.com/dmelo/parley/internal/status"
	enginesync "github.com/dmelo/parley/internal/sync"
)

// ControllerFactory builds a fresh sync controller for a peer. One
// controller per thread visit; it is closed when the thread closes.
type ControllerFactory func(peerID string) *enginesync.Controller

// App is the TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	statusBar *StatusBar
	convList  *ConversationList
	thread    *Thread

	db      *cache.DB
	rest    *rest.Client
	bus     *bus.Bus
	factory ControllerFactory
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// The bus pump and the tview event loop both touch the active
	// thread, so mu guards it. Handlers snapshot the pair once and work
	// on locals; queued draw closures must never re-read these fields.
	mu         sync.Mutex
	active     *enginesync.Controller
	activePeer string
}

// NewApp creates the TUI application.
func NewApp(db *cache.DB, rc *rest.Client, b *bus.Bus, factory ControllerFactory, logger *zap.Logger, sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		statusBar: NewStatusBar(),
		convList:  NewConversationList(),
		thread:    NewThread(),
		db:        db,
		rest:      rc,
		bus:       b,
		factory:   factory,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetSession(sessionName)
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupCallbacks() {
	a.convList.SetOnSelect(a.openThread)

	a.thread.SetOnSend(func(text string) {
		ctrl, _ := a.activeThread()
		if ctrl == nil {
			return
		}
		go func() {
			if _, err := ctrl.Send(a.ctx, text); err != nil {
				a.flash("Send failed: " + err.Error())
			}
		}()
	})
	a.thread.SetOnChange(func(text string) {
		if ctrl, _ := a.activeThread(); ctrl != nil {
			ctrl.InputChanged(text)
		}
	})

	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		front, _ := a.pages.GetFrontPage()
		switch {
		case front == "thread" && ev.Key() == tcell.KeyEscape:
			a.closeThread()
			return nil
		case front == "conversations" && ev.Key() == tcell.KeyRune && ev.Rune() == 'q':
			a.app.Stop()
			return nil
		}
		return ev
	})
}

func (a *App) setupLayout() {
	listPage := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.convList, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	threadPage := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.pages.AddPage("conversations", listPage, true, true)
	a.pages.AddPage("thread", threadPage, true, false)
	a.app.SetRoot(a.pages, true)
}

// Run starts the event pump, refreshes the directory, and blocks until
// the user quits.
func (a *App) Run() error {
	go a.pump()
	go a.refreshDirectory()
	a.reloadList()

	defer a.cancel()
	defer a.closeActive()
	return a.app.Run()
}

// pump applies engine bus events to the views.
func (a *App) pump() {
	ch, unsub := a.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			a.handleEvent(evt)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "message.upserted":
		upd, ok := evt.Payload.(conversation.Update)
		if !ok {
			return
		}
		ctrl, peer := a.activeThread()
		if ctrl == nil || upd.PeerID != peer {
			return
		}
		snap := ctrl.Store().Snapshot()
		a.rememberLatest(peer, snap)
		go ctrl.MarkViewed(a.ctx)
		a.draw(func() {
			a.thread.Update(snap)
			a.statusBar.SetCaughtUp(ctrl.CaughtUp())
		})

	case "typing.peer":
		typing, _ := evt.Payload.(bool)
		a.draw(func() {
			a.thread.SetPeerTyping(typing)
			a.statusBar.SetTyping(typing)
		})

	case "session.status_changed":
		sc, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		a.draw(func() { a.statusBar.SetState(string(sc.To)) })

	case "message.send_failed":
		sf, ok := evt.Payload.(delivery.SendFailure)
		if !ok {
			return
		}
		a.flash(fmt.Sprintf("Message not delivered (%v)", sf.Err))

	case "session.auth_failed":
		a.flash("Session expired: log in again")
	}
}

// rememberLatest folds the newest message into the cached summary so the
// conversation list stays fresh after the thread closes.
func (a *App) rememberLatest(peerID string, snap []conversation.Message) {
	if len(snap) == 0 {
		return
	}
	last := snap[len(snap)-1]
	at := last.CreatedAt.UnixMilli()
	if last.CreatedAt.IsZero() {
		at = time.Now().UnixMilli()
	}
	if err := a.db.TouchConversation(peerID, sanitizeForTerminal(last.Text), at, false); err != nil {
		a.logger.Warn("cache update failed", zap.Error(err))
	}
}

// activeThread snapshots the active controller and its peer id.
func (a *App) activeThread() (*enginesync.Controller, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, a.activePeer
}

func (a *App) openThread(peerID string) {
	a.closeActive()

	ctrl := a.factory(peerID)
	a.mu.Lock()
	a.active = ctrl
	a.activePeer = peerID
	a.mu.Unlock()

	name := peerID
	if c, err := a.db.GetContact(peerID); err == nil && c != nil && c.Name != "" {
		name = c.Name
	}
	a.thread.SetPeerName(name)
	a.thread.Update(nil)
	a.thread.SetPeerTyping(false)
	a.pages.SwitchToPage("thread")
	a.app.SetFocus(a.thread)

	go func() {
		if err := ctrl.Open(a.ctx); err != nil {
			a.logger.Error("open conversation failed", zap.String("peer_id", peerID), zap.Error(err))
			a.flash("Connect failed: " + err.Error())
			a.draw(func() { a.pages.SwitchToPage("conversations") })
			return
		}
		if err := a.db.ClearUnread(peerID); err != nil {
			a.logger.Warn("clear unread failed", zap.Error(err))
		}
	}()
}

func (a *App) closeThread() {
	a.closeActive()
	a.reloadList()
	a.pages.SwitchToPage("conversations")
	a.app.SetFocus(a.convList)
	a.statusBar.SetTyping(false)
	a.statusBar.SetCaughtUp(false)
}

func (a *App) closeActive() {
	a.mu.Lock()
	ctrl := a.active
	a.active = nil
	a.activePeer = ""
	a.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

// refreshDirectory pulls contacts and summaries from the server into the
// cache. Failures are logged, not surfaced: the cached view still works.
func (a *App) refreshDirectory() {
	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()

	peers, err := a.rest.Users(ctx)
	if err != nil {
		a.logger.Warn("directory refresh failed", zap.Error(err))
		return
	}
	contacts := make([]cache.Contact, 0, len(peers))
	for _, p := range peers {
		contacts = append(contacts, cache.Contact{ID: p.ID, Name: p.Name, Email: p.Email})
	}
	if err := a.db.BulkUpsertContacts(contacts); err != nil {
		a.logger.Warn("contact cache update failed", zap.Error(err))
	}

	convs, err := a.rest.Conversations(ctx)
	if err != nil {
		a.logger.Warn("conversation refresh failed", zap.Error(err))
	} else {
		for _, c := range convs {
			summary := &cache.Conversation{
				PeerID:             c.PeerID,
				LastMessagePreview: c.LastMessage,
				LastMessageAt:      c.LastAt.UnixMilli(),
				UnreadCount:        c.Unread,
			}
			if c.LastAt.IsZero() {
				summary.LastMessageAt = 0
			}
			if err := a.db.UpsertConversation(summary); err != nil {
				a.logger.Warn("conversation cache update failed", zap.Error(err))
			}
		}
	}

	// Every directory entry is startable even without an existing thread.
	for _, p := range peers {
		if existing, err := a.db.GetConversation(p.ID); err == nil && existing == nil {
			_ = a.db.UpsertConversation(&cache.Conversation{PeerID: p.ID})
		}
	}

	a.draw(a.reloadList)
}

func (a *App) reloadList() {
	convs, err := a.db.ListConversations(200, 0)
	if err != nil {
		a.logger.Warn("list conversations failed", zap.Error(err))
		return
	}
	a.convList.Update(convs)
}

func (a *App) flash(msg string) {
	a.draw(func() { a.statusBar.SetFlash(msg) })
	time.AfterFunc(5*time.Second, func() {
		a.draw(func() { a.statusBar.SetFlash("") })
	})
}

func (a *App) draw(fn func()) {
	a.app.QueueUpdateDraw(fn)
}
