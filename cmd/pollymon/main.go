// Polly: Phone-Hosted Robot Runtime
// Copyright (C) 2026  Polly Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// pollymon is the terminal operator console: it subscribes to the robot's
// telemetry endpoint, polls runtime status and sends named commands over
// the control endpoint.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

var (
	host = flag.String("host", "127.0.0.1:8080", "robot wire hub host:port")
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#00FFFF")).
			Padding(0, 2).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA")).
			Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)
)

type telemetryMsg string
type statusMsg string
type connErrMsg struct{ err error }
type tickMsg time.Time

type model struct {
	viewport   viewport.Model
	lines      []string
	status     string
	lastReply  string
	copyNotice bool
	err        error

	telemetry *websocket.Conn
	control   *websocket.Conn
	incoming  chan string
	replies   chan string
}

const maxLines = 200

func newModel() *model {
	vp := viewport.New(100, 20)
	return &model{
		viewport: vp,
		incoming: make(chan string, 64),
		replies:  make(chan string, 16),
	}
}

func (m *model) connect() error {
	telemURL := url.URL{Scheme: "ws", Host: *host, Path: "/arduino"}
	conn, _, err := websocket.DefaultDialer.Dial(telemURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", telemURL.String(), err)
	}
	m.telemetry = conn

	ctrlURL := url.URL{Scheme: "ws", Host: *host, Path: "/control"}
	ctrl, _, err := websocket.DefaultDialer.Dial(ctrlURL.String(), nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("dial %s: %w", ctrlURL.String(), err)
	}
	m.control = ctrl

	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				close(m.incoming)
				return
			}
			select {
			case m.incoming <- string(payload):
			default:
			}
		}
	}()
	go func() {
		for {
			_, payload, err := ctrl.ReadMessage()
			if err != nil {
				return
			}
			select {
			case m.replies <- string(payload):
			default:
			}
		}
	}()
	return nil
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.waitTelemetry(), m.waitReply(), statusTick())
}

func (m *model) waitTelemetry() tea.Cmd {
	return func() tea.Msg {
		line, ok := <-m.incoming
		if !ok {
			return connErrMsg{err: fmt.Errorf("telemetry stream closed")}
		}
		return telemetryMsg(line)
	}
}

func (m *model) waitReply() tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-m.replies)
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *model) sendCommand(cmd string) {
	if m.control == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"target": "map", "cmd": cmd})
	m.control.WriteMessage(websocket.TextMessage, payload)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 6
		return m, nil

	case telemetryMsg:
		m.lines = append(m.lines, string(msg))
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		return m, m.waitTelemetry()

	case statusMsg:
		m.lastReply = string(msg)
		if strings.Contains(m.lastReply, `"cmd":"get_status"`) {
			m.status = m.lastReply
		}
		return m, m.waitReply()

	case tickMsg:
		m.sendCommand("get_status")
		return m, statusTick()

	case connErrMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		m.copyNotice = false
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "m":
			m.sendCommand("start_map")
		case "M":
			m.sendCommand("stop_map")
		case "w":
			m.sendCommand("start_wander")
		case "W":
			m.sendCommand("stop_wander")
		case "e":
			m.sendCommand("start_explore")
		case "E":
			m.sendCommand("stop_explore")
		case "r":
			m.sendCommand("start_recording")
		case "R":
			m.sendCommand("stop_recording")
		case "s":
			m.sendCommand("stop")
		case "c":
			if m.status != "" {
				if err := clipboard.WriteAll(m.status); err == nil {
					m.copyNotice = true
				}
			}
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("POLLY MONITOR — "+*host) + "\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("connection lost: "+m.err.Error()) + "\n")
	}

	b.WriteString(m.viewport.View() + "\n")

	status := m.status
	if status == "" {
		status = "waiting for status..."
	}
	b.WriteString(statusStyle.Render(status) + "\n")

	help := "m/M map  w/W wander  e/E explore  r/R record  s stop  c copy status  q quit"
	if m.copyNotice {
		help = noticeStyle.Render("✓ status copied to clipboard") + "   " + help
	}
	b.WriteString(statusStyle.Render(help))
	return b.String()
}

func main() {
	flag.Parse()

	m := newModel()
	if err := m.connect(); err != nil {
		log.Fatalf("Could not connect to robot: %v", err)
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("UI error: %v", err)
	}
}
