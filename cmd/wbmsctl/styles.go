// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle()

	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// resultStyle colors a result code name.
func resultStyle(result string) lipgloss.Style {
	switch result {
	case "success":
		return successStyle
	case "partial success", "in progress":
		return warningStyle
	default:
		return errorStyle
	}
}

func field(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

// renderReport formats a transfer report for the terminal.
func renderReport(rep *transferReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Load file " + rep.Image))
	b.WriteString("\n")
	lines := []string{
		field("Result", resultStyle(rep.Result).Render(rep.Result)),
		field("Target", rep.Target),
		field("Completed by", rep.Active),
		field("File type", rep.FileType),
		field("Size", fmt.Sprintf("%d bytes", rep.Size)),
		field("CRC", fmt.Sprintf("%08X", rep.CRC)),
		field("Started", rep.Started.Format("2006-01-02 15:04:05")),
		field("Elapsed", rep.Elapsed.Round(time.Millisecond)),
		field("Blocks", fmt.Sprintf("%d sent, %d retransmitted", rep.Stats.DataBlocksSent, rep.Stats.RetransmitsSent)),
		field("Status polls", rep.Stats.StatusRequestsSent),
		field("Worst sector", fmt.Sprintf("%d rounds", rep.Stats.MaxSectorRetransmits)),
	}
	for _, d := range rep.Removed {
		lines = append(lines, field("Removed", errorStyle.Render(d.Device+" ("+d.Reason+")")))
	}
	b.WriteString(strings.Join(lines, "\n"))
	return boxStyle.Render(b.String())
}

// renderCompletion formats the outcome of a generic command.
func renderCompletion(op string, result string, active string, crcs map[int]uint32) string {
	lines := []string{
		titleStyle.Render(op),
		field("Result", resultStyle(result).Render(result)),
		field("Completed by", active),
	}
	for id := 0; id < 64 && len(crcs) > 0; id++ {
		if crc, ok := crcs[id]; ok {
			lines = append(lines, field(fmt.Sprintf("CRC device %d", id), fmt.Sprintf("%08X", crc)))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
