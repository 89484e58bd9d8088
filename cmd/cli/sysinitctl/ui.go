package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/core-tools/hsu-sysinit/pkg/domain"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	labelStyle   = lipgloss.NewStyle().Foreground(dim)
)

func SuccessMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func WarnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func InfoMsg(format string, a ...any) string {
	return accentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// StateText colors a unit state by how healthy it is
func StateText(state string) string {
	switch state {
	case "running":
		return successStyle.Render(state)
	case "failed":
		return errorStyle.Render(state)
	case "starting", "stopping":
		return warnStyle.Render(state)
	default:
		return mutedStyle.Render(state)
	}
}

func pidText(pid int) string {
	if pid == 0 {
		return mutedStyle.Render("-")
	}
	return strconv.Itoa(pid)
}

func enabledText(enabled bool) string {
	if enabled {
		return successStyle.Render("enabled")
	}
	return mutedStyle.Render("disabled")
}

type pair struct {
	key   string
	value string
}

func keyValues(indent string, pairs ...pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}

	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + labelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}

// RenderUnitTable lists units in registry order
func RenderUnitTable(units []domain.UnitInfo) string {
	if len(units) == 0 {
		return WarnMsg("no units loaded")
	}

	rows := make([][]string, 0, len(units))
	for _, info := range units {
		rows = append(rows, []string{
			info.Name,
			StateText(info.State),
			enabledText(info.Enabled),
			pidText(info.PID),
			info.Description,
		})
	}
	return renderTable([]string{"UNIT", "STATE", "BOOT", "PID", "DESCRIPTION"}, rows)
}

func RenderUnit(info domain.UnitInfo) string {
	pairs := []pair{
		{"state", StateText(info.State)},
		{"boot", enabledText(info.Enabled)},
		{"pid", pidText(info.PID)},
	}
	if info.Description != "" {
		pairs = append(pairs, pair{"description", info.Description})
	}
	if info.LastPID != 0 && info.PID == 0 {
		pairs = append(pairs, pair{"last pid", strconv.Itoa(info.LastPID)})
	}
	if info.StartTime != nil {
		since := time.Since(*info.StartTime).Truncate(time.Second)
		pairs = append(pairs, pair{"started", fmt.Sprintf("%s (%s ago)", info.StartTime.Format(time.RFC3339), since)})
	}
	if info.LastError != "" {
		pairs = append(pairs, pair{"last error", errorStyle.Render(info.LastError)})
	}
	return InfoMsg("%s", info.Name) + "\n" + keyValues("  ", pairs...)
}

func RenderBulkReport(report *domain.BulkReport) string {
	var sb strings.Builder
	for _, result := range report.Results {
		if result.Error != "" {
			sb.WriteString(ErrorMsg("%s: %s", result.Name, result.Error) + "\n")
			continue
		}
		sb.WriteString(SuccessMsg("%s: %s", result.Name, StateText(result.State)) + "\n")
	}
	if len(report.Results) == 0 {
		sb.WriteString(WarnMsg("%s: no units", report.Operation) + "\n")
	}
	return sb.String()
}

func RenderReloadSummary(summary *domain.ReloadSummary) string {
	if len(summary.Added)+len(summary.Changed)+len(summary.Removed)+len(summary.Pending) == 0 {
		return InfoMsg("configuration unchanged") + "\n"
	}

	var pairs []pair
	add := func(key string, names []string) {
		if len(names) > 0 {
			pairs = append(pairs, pair{key, strings.Join(names, ", ")})
		}
	}
	add("added", summary.Added)
	add("changed", summary.Changed)
	add("removed", summary.Removed)
	add("pending", summary.Pending)
	return SuccessMsg("configuration reloaded") + "\n" + keyValues("  ", pairs...)
}
