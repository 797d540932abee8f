// laser-tui is a terminal dashboard for a running liberad: it attaches to
// the monitor websocket and renders the DAC state live.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

const fifoCapacity = 1799

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
)

type statusMsg struct {
	Op       string `json:"op"`
	Device   string `json:"device"`
	TS       string `json:"ts"`
	Light    string `json:"light"`
	Playback string `json:"playback"`
	Buffer   uint16 `json:"buffer"`
	Rate     uint32 `json:"rate"`
	Count    uint32 `json:"count"`
}

type connLostMsg struct{}

type model struct {
	updates <-chan statusMsg
	last    statusMsg
	seen    int
	lost    bool
}

func waitForStatus(updates <-chan statusMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-updates
		if !ok {
			return connLostMsg{}
		}
		return msg
	}
}

func (m model) Init() tea.Cmd {
	return waitForStatus(m.updates)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusMsg:
		m.last = msg
		m.seen++
		return m, waitForStatus(m.updates)
	case connLostMsg:
		m.lost = true
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("liberad monitor"))
	sb.WriteString("\n\n")

	if m.seen == 0 {
		sb.WriteString("waiting for status...\n")
	} else {
		s := m.last
		light := okStyle
		if s.Light == "estop" {
			light = warnStyle
		}
		sb.WriteString(labelStyle.Render("device") + s.Device + "\n")
		sb.WriteString(labelStyle.Render("light") + light.Render(s.Light) + "\n")
		sb.WriteString(labelStyle.Render("playback") + s.Playback + "\n")
		sb.WriteString(labelStyle.Render("fifo") + fifoBar(int(s.Buffer)) + fmt.Sprintf(" %d/%d\n", s.Buffer, fifoCapacity))
		sb.WriteString(labelStyle.Render("rate") + fmt.Sprintf("%d pps\n", s.Rate))
		sb.WriteString(labelStyle.Render("points") + fmt.Sprintf("%d\n", s.Count))
	}

	if m.lost {
		sb.WriteString("\n" + warnStyle.Render("connection lost") + "\n")
	}
	sb.WriteString("\npress q to quit\n")
	return sb.String()
}

func fifoBar(fullness int) string {
	const width = 30
	filled := fullness * width / fifoCapacity
	if filled > width {
		filled = width
	}
	return barStyle.Render(strings.Repeat("█", filled) + strings.Repeat("░", width-filled))
}

func main() {
	wsAddr := flag.String("ws", "127.0.0.1:8765", "liberad monitor websocket address")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+*wsAddr+"/", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial monitor:", err)
		os.Exit(1)
	}
	defer conn.Close()

	updates := make(chan statusMsg, 16)
	go func() {
		defer close(updates)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg statusMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Op != "status" {
				continue
			}
			updates <- msg
		}
	}()

	p := tea.NewProgram(model{updates: updates})
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui:", err)
		os.Exit(1)
	}
}
