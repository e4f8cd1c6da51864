package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"livechat/internal/chat"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	pendingStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	failedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	typingStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).Italic(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (m *Model) View() string {
	switch m.mode {
	case modeConnecting:
		return m.renderPrompt("LiveChat", "Connecting to "+m.opts.Server+"…")
	case modeJoinPrompt:
		return m.renderPrompt("Join a conversation", "Enter a room id and press Enter.")
	default:
		return m.renderChatView()
	}
}

func (m *Model) renderPrompt(title, hint string) string {
	sections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	sections = append(sections, statusLine(m.state, m.lastErr))
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	if m.mode == modeJoinPrompt {
		sections = append(sections, inputBoxStyle.Render(m.textInput.View()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderChatView() string {
	self := m.session.User()
	header := chatHeaderStyle.Render(strings.Join(headerSegments(m.room, self, m.opts.Server), dividerStyle))

	var lines []string
	for _, msg := range m.messages {
		lines = append(lines, renderChatMessage(msg, self.ID))
	}
	if len(lines) == 0 {
		lines = append(lines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{header, statusLine(m.state, m.lastErr)}
	if notices := m.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	if m.typing != "" {
		sections = append(sections, typingStyle.Render(m.typing))
	}
	sections = append(sections,
		inputBoxStyle.Render(m.textInput.View()),
		menuHintStyle.Render("/image <path> • /retry • /discard • /leave • /close • /quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderNotices() string {
	if len(m.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(m.notices))
	for _, n := range m.notices {
		lines = append(lines, systemMessageStyle.Render(n))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func headerSegments(room *chat.Room, self chat.User, server string) []string {
	segments := []string{"LiveChat"}
	if room != nil {
		label := fmt.Sprintf("Room %s (%s)", room.ID, room.Status)
		if room.Staff != nil {
			label += " with " + room.Staff.Username
		}
		segments = append(segments, label)
	}
	if self.Username != "" {
		segments = append(segments, "User "+self.Username)
	}
	if server != "" {
		segments = append(segments, "Server "+server)
	}
	return segments
}

func statusLine(state chat.ConnectionState, err error) string {
	switch {
	case err != nil:
		return errorStyle.Render("Connection error: " + err.Error())
	case state == chat.StateAuthenticated:
		return connectedStyle.Render("Connected")
	case state == chat.StateDisconnected:
		return connectingStyle.Render("Offline. Reconnecting…")
	default:
		return connectingStyle.Render(strings.ToUpper(state.String()[:1]) + state.String()[1:] + "…")
	}
}

// renderChatMessage stamps the time, colors the sender and marks unconfirmed sends.
func renderChatMessage(msg chat.Message, selfID string) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.CreatedAt.Local().Format("15:04:05")))
	if msg.Type == chat.TypeSystem {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(msg.Content))
	}

	var nameStyle lipgloss.Style
	if msg.Sender.ID == selfID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.Sender.Username))
	}
	name := nameStyle.Render(msg.Sender.Username)

	content := msg.Content
	if msg.Type == chat.TypeImage || msg.Type == chat.TypeFile {
		content = fmt.Sprintf("[%s] %s", msg.Type, content)
	}
	body := messageBodyStyle.Render(strings.ReplaceAll(content, "\n", "\n   "))

	parts := []string{timestamp, " ", name, ": ", body}
	switch msg.Status {
	case chat.StatusPending:
		parts = append(parts, " ", pendingStyle.Render("(sending)"))
	case chat.StatusFailed:
		parts = append(parts, " ", failedStyle.Render("(failed, /retry)"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, parts...)
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
