// Package tui is the Bubble Tea front end for a chat session.
package tui

import (
	"context"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"livechat/internal/chat"
	"livechat/internal/realtime"
	"livechat/internal/session"
)

// Closer ends a conversation on the server.
type Closer interface {
	CloseConversation(ctx context.Context, roomID string) error
}

type Options struct {
	Token  string
	RoomID string
	Server string
	Closer Closer
}

type appMode int

const (
	modeConnecting appMode = iota
	modeJoinPrompt
	modeChat
)

// Model renders one Session. Session observers are bridged into Bubble Tea: ordered
// notifications go through the updates channel, while message-list and typing snapshots
// are coalesced so only the latest of each kind is rendered.
type Model struct {
	session *session.Session
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc

	textInput textinput.Model
	mode      appMode
	state     chat.ConnectionState
	lastErr   error
	room      *chat.Room
	messages  []chat.Message
	typing    string
	notices   []string
	width     int

	updates chan tea.Msg
	unsubs  []func()

	snapMu    sync.Mutex
	snapshots map[string]tea.Msg
	wake      chan struct{}
}

// bridged observer updates
type (
	stateMsg    realtime.StateChange
	errMsg      struct{ err error }
	messagesMsg session.RoomMessages
	typingMsg   string
	roomMsg     session.RoomChange
	// snapshotsMsg carries the latest pending snapshot of each kind.
	snapshotsMsg []tea.Msg
)

// command results
type (
	startedMsg struct{ err error }
	enteredMsg struct {
		room chat.Room
		err  error
	}
	sentMsg   struct{ err error }
	noticeMsg string
)

const maxNotices = 5

func New(s *session.Session, opts Options) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 2000
	input.Prompt = "> "
	input.Focus()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		session:   s,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		textInput: input,
		state:     s.State(),
		updates:   make(chan tea.Msg, 256),
		snapshots: make(map[string]tea.Msg),
		wake:      make(chan struct{}, 1),
	}
	m.unsubs = append(m.unsubs,
		s.OnStateChange(func(c realtime.StateChange) { m.push(stateMsg(c)) }),
		s.OnError(func(err error) { m.push(errMsg{err}) }),
		s.Messages().OnChange(func(rm session.RoomMessages) {
			m.pushSnapshot("messages/"+rm.RoomID, messagesMsg(rm))
		}),
		s.Typing().OnChange(func(entries []chat.TypingEntry) {
			m.pushSnapshot("typing", typingMsg(session.DisplayText(entries)))
		}),
		s.Rooms().OnChange(func(c session.RoomChange) { m.push(roomMsg(c)) }),
	)
	return m
}

// push never blocks the publishing goroutine; a full buffer drops the update.
func (m *Model) push(msg tea.Msg) {
	select {
	case m.updates <- msg:
	default:
	}
}

// pushSnapshot replaces any unrendered snapshot stored under key. It never blocks.
func (m *Model) pushSnapshot(key string, msg tea.Msg) {
	m.snapMu.Lock()
	if m.snapshots == nil {
		m.snapshots = make(map[string]tea.Msg)
	}
	m.snapshots[key] = msg
	m.snapMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Model) takeSnapshots() snapshotsMsg {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	out := make(snapshotsMsg, 0, len(m.snapshots))
	for key, msg := range m.snapshots {
		out = append(out, msg)
		delete(m.snapshots, key)
	}
	return out
}

func (m *Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg, ok := <-m.updates:
			if !ok {
				return nil
			}
			return msg
		case <-m.wake:
			return m.takeSnapshots()
		}
	}
}

// Release unsubscribes from the session and cancels in-flight commands.
func (m *Model) Release() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.cancel()
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForUpdate(), m.startCmd())
}

func (m *Model) startCmd() tea.Cmd {
	return func() tea.Msg {
		return startedMsg{err: m.session.Start(m.ctx, m.opts.Token)}
	}
}

func (m *Model) enterCmd(roomID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.session.Enter(m.ctx, roomID); err != nil {
			return enteredMsg{err: err}
		}
		room, _ := m.session.Rooms().CurrentRoom()
		return enteredMsg{room: room}
	}
}

func (m *Model) startConversationCmd() tea.Cmd {
	return func() tea.Msg {
		room, err := m.session.StartConversation(m.ctx)
		return enteredMsg{room: room, err: err}
	}
}

func (m *Model) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.session.Send(m.ctx, content)
		return sentMsg{err: err}
	}
}

func (m *Model) sendImageCmd(path string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.session.SendImage(m.ctx, path)
		return sentMsg{err: err}
	}
}

func (m *Model) typingCmd() tea.Cmd {
	return func() tea.Msg {
		// typing is best effort; a missing room or connection is already on screen
		_ = m.session.StartTyping(m.ctx)
		return nil
	}
}

func (m *Model) retryCmd(tempIDs []string) tea.Cmd {
	return func() tea.Msg {
		for _, id := range tempIDs {
			if err := m.session.Messages().Retry(m.ctx, id); err != nil {
				return sentMsg{err: err}
			}
		}
		return nil
	}
}

func (m *Model) leaveCmd() tea.Cmd {
	return func() tea.Msg {
		m.session.Leave(m.ctx)
		return noticeMsg("Left the conversation.")
	}
}

func (m *Model) closeCmd(roomID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.opts.Closer.CloseConversation(m.ctx, roomID); err != nil {
			return sentMsg{err: err}
		}
		return noticeMsg("Conversation closed.")
	}
}
