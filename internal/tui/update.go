package tui

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"livechat/internal/chat"
	"livechat/internal/session"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(typed)

	case tea.WindowSizeMsg:
		m.width = typed.Width
		return m, nil

	case stateMsg:
		m.state = typed.To
		if typed.Err != nil {
			m.lastErr = typed.Err
		} else if typed.To == chat.StateAuthenticated {
			m.lastErr = nil
		}
		return m, m.waitForUpdate()

	case errMsg:
		m.lastErr = typed.err
		return m, m.waitForUpdate()

	case messagesMsg, typingMsg:
		m.applySnapshot(typed)
		return m, m.waitForUpdate()

	case snapshotsMsg:
		for _, snap := range typed {
			m.applySnapshot(snap)
		}
		return m, m.waitForUpdate()

	case roomMsg:
		m.applyRoomChange(session.RoomChange(typed))
		return m, m.waitForUpdate()

	case startedMsg:
		if typed.err != nil {
			m.lastErr = typed.err
			m.addNotice("Could not sign in: " + typed.err.Error())
			return m, nil
		}
		m.lastErr = nil
		switch {
		case m.opts.RoomID != "":
			return m, m.enterCmd(m.opts.RoomID)
		case m.session.User().Role == "staff":
			m.promptForRoom()
			return m, nil
		default:
			return m, m.startConversationCmd()
		}

	case enteredMsg:
		if typed.err != nil {
			m.addNotice("Could not join: " + typed.err.Error())
			m.promptForRoom()
			return m, nil
		}
		room := typed.room
		m.room = &room
		m.messages = m.session.Messages().Messages(room.ID)
		m.mode = modeChat
		m.textInput.Prompt = "> "
		m.textInput.Placeholder = "Type a message…"
		return m, m.textInput.Focus()

	case sentMsg:
		if typed.err != nil {
			var verr *chat.ValidationError
			if !errors.As(typed.err, &verr) {
				m.addNotice("Not sent: " + typed.err.Error())
			}
		}
		return m, nil

	case noticeMsg:
		m.addNotice(string(typed))
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyCtrlC || key.Type == tea.KeyEsc {
		return m, tea.Quit
	}
	switch m.mode {
	case modeJoinPrompt:
		if key.Type == tea.KeyEnter {
			roomID := strings.TrimSpace(m.textInput.Value())
			if roomID == "" {
				return m, nil
			}
			m.textInput.SetValue("")
			return m, m.enterCmd(roomID)
		}
	case modeChat:
		if key.Type == tea.KeyEnter {
			text := strings.TrimSpace(m.textInput.Value())
			m.textInput.SetValue("")
			if strings.HasPrefix(text, "/") {
				return m.runCommand(text)
			}
			if text == "" {
				return m, nil
			}
			return m, m.sendCmd(text)
		}
		before := m.textInput.Value()
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(key)
		if after := m.textInput.Value(); after != before && strings.TrimSpace(after) != "" {
			return m, tea.Batch(cmd, m.typingCmd())
		}
		return m, cmd
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(key)
	return m, cmd
}

type command struct {
	name string
	arg  string
}

func parseCommand(text string) command {
	text = strings.TrimPrefix(strings.TrimSpace(text), "/")
	name, arg, _ := strings.Cut(text, " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

func (m *Model) runCommand(text string) (tea.Model, tea.Cmd) {
	cmd := parseCommand(text)
	switch cmd.name {
	case "quit", "exit":
		return m, tea.Quit
	case "leave":
		m.room = nil
		m.messages = nil
		return m, m.leaveCmd()
	case "image", "img":
		if cmd.arg == "" {
			m.addNotice("Usage: /image <path>")
			return m, nil
		}
		return m, m.sendImageCmd(cmd.arg)
	case "retry":
		ids := m.unconfirmed()
		if len(ids) == 0 {
			m.addNotice("Nothing to retry.")
			return m, nil
		}
		return m, m.retryCmd(ids)
	case "discard":
		for _, id := range m.unconfirmed() {
			_ = m.session.Messages().Discard(id)
		}
		return m, nil
	case "close":
		if m.opts.Closer == nil || m.room == nil {
			m.addNotice("No conversation to close.")
			return m, nil
		}
		return m, m.closeCmd(m.room.ID)
	case "join":
		if cmd.arg == "" {
			m.addNotice("Usage: /join <room id>")
			return m, nil
		}
		return m, m.enterCmd(cmd.arg)
	default:
		m.addNotice(fmt.Sprintf("Unknown command /%s", cmd.name))
		return m, nil
	}
}

// unconfirmed lists the temp ids of failed messages in the current room.
func (m *Model) unconfirmed() []string {
	if m.room == nil {
		return nil
	}
	var ids []string
	for _, msg := range m.session.Messages().Pending(m.room.ID) {
		if msg.Status == chat.StatusFailed {
			ids = append(ids, msg.TempID)
		}
	}
	return ids
}

func (m *Model) applySnapshot(msg tea.Msg) {
	switch typed := msg.(type) {
	case messagesMsg:
		if m.room != nil && typed.RoomID == m.room.ID {
			m.messages = typed.Messages
		}
	case typingMsg:
		m.typing = string(typed)
	}
}

func (m *Model) applyRoomChange(change session.RoomChange) {
	switch change.Reason {
	case session.RoomJoined, session.RoomMetadata:
		if change.Current != nil {
			room := *change.Current
			joined := m.room == nil || m.room.ID != room.ID
			m.room = &room
			// a snapshot for this room may have been rendered before the join
			if joined && m.session != nil {
				m.messages = m.session.Messages().Messages(room.ID)
			}
		}
	case session.RoomLost:
		m.addNotice("Connection lost. Rejoining when back online…")
	case session.RoomLeft:
		m.room = nil
		m.messages = nil
		if m.mode == modeChat {
			m.promptForRoom()
		}
	}
}

func (m *Model) promptForRoom() {
	m.mode = modeJoinPrompt
	m.textInput.SetValue("")
	m.textInput.Prompt = "room> "
	m.textInput.Placeholder = "Enter a room id…"
}

func (m *Model) addNotice(text string) {
	m.notices = append(m.notices, text)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}
