// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/riclolsen/go-wbms/wbms"
)

const progressWidth = 40

type progressMsg struct {
	state       string
	done, total int
}

type removedMsg wbms.Event

type finishedMsg struct {
	completion wbms.Completion
	err        error
}

// transferModel is a Bubble Tea model showing a running load file.
type transferModel struct {
	image   string
	state   string
	done    int
	total   int
	removed []string
	result  *finishedMsg
	cancel  func()

	quitting bool
}

func newTransferModel(image string, cancel func()) transferModel {
	return transferModel{image: image, state: "starting", cancel: cancel}
}

// Init implements tea.Model.
func (m transferModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m transferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case progressMsg:
		m.state = msg.state
		m.done = msg.done
		m.total = msg.total

	case removedMsg:
		m.removed = append(m.removed, fmt.Sprintf("%v (%s)", msg.Device, msg.Reason))

	case finishedMsg:
		m.result = &msg
		if msg.err == nil {
			m.done = m.total
		}
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m transferModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Load file " + m.image))
	b.WriteString("\n")
	b.WriteString(progressBar(m.done, m.total))
	b.WriteString(fmt.Sprintf("  %d/%d blocks\n", m.done, m.total))
	b.WriteString(field("Phase", m.state))
	for _, r := range m.removed {
		b.WriteString("\n" + field("Removed", errorStyle.Render(r)))
	}
	if m.result != nil {
		b.WriteString("\n")
		if m.result.err != nil {
			b.WriteString(field("Error", errorStyle.Render(m.result.err.Error())))
		} else {
			res := m.result.completion.Result.String()
			b.WriteString(field("Result", resultStyle(res).Render(res)))
		}
	}
	if !m.quitting && m.result == nil {
		b.WriteString("\n" + helpStyle.Render("Press q or Ctrl+C to abort"))
	}
	return b.String() + "\n"
}

func progressBar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = min(progressWidth, done*progressWidth/total)
	}
	return lipgloss.NewStyle().Foreground(successColor).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(mutedColor).Render(strings.Repeat("░", progressWidth-filled))
}
