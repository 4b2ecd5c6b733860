// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the AutoPromptix CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette: teal brand colors with standard semantic colors.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#5B7A84")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style

	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),

	TableHeader: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	TableCell:   lipgloss.NewStyle().Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
	IconStar    Icon = "★"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	case IconStar:
		return Styles.Highlight.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled lines at one personality level.
//
// # Thread Safety
//
// Not safe for concurrent use. Callers that print from several goroutines
// serialize access themselves.
type Printer struct {
	w     io.Writer
	level PersonalityLevel
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, level PersonalityLevel) *Printer {
	return &Printer{w: w, level: level}
}

// Level returns the printer's personality level.
func (p *Printer) Level() PersonalityLevel {
	return p.level
}

// Machine reports whether output should be plain text.
func (p *Printer) Machine() bool {
	return p.level == PersonalityMachine
}

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

// Title prints a heading. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	p.printf("%s\n", Styles.Title.Render(text))
}

// Success prints a line with a check mark.
func (p *Printer) Success(text string) {
	p.status(IconSuccess, "OK", Styles.Success, text)
}

// Warning prints a line with a warning sign.
func (p *Printer) Warning(text string) {
	p.status(IconWarning, "WARN", Styles.Warning, text)
}

// Error prints a line with a cross.
func (p *Printer) Error(text string) {
	p.status(IconError, "ERROR", Styles.Error, text)
}

func (p *Printer) status(icon Icon, tag string, style lipgloss.Style, text string) {
	switch p.level {
	case PersonalityMachine:
		p.printf("%s: %s\n", tag, text)
	case PersonalityMinimal:
		p.printf("%s %s\n", icon, text)
	default:
		p.printf("%s %s\n", icon.Render(), style.Render(text))
	}
}

// Info prints a plain line.
func (p *Printer) Info(text string) {
	if p.Machine() {
		p.printf("%s\n", text)
		return
	}
	p.printf("%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Machine output omits it.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	p.printf("%s\n", Styles.Muted.Render(text))
}

// KeyValue prints one labelled value.
func (p *Printer) KeyValue(key, value string) {
	if p.Machine() {
		p.printf("%s\t%s\n", key, value)
		return
	}
	p.printf("%s %s\n", Styles.Muted.Render(key+":"), value)
}

// Box prints content under a title, boxed at the full level.
func (p *Printer) Box(title, content string) {
	switch p.level {
	case PersonalityMachine:
		p.printf("%s: %s\n", title, strings.ReplaceAll(content, "\n", " "))
	case PersonalityFull:
		p.printf("%s\n", Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
	default:
		p.printf("%s\n%s\n", Styles.Title.Render(title), content)
	}
}

// Table prints rows under headers. Machine output is tab-separated with
// the header row first.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.Machine() {
		p.printf("%s\n", strings.Join(headers, "\t"))
		for _, r := range rows {
			p.printf("%s\n", strings.Join(r, "\t"))
		}
		return
	}

	t := table.New().
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.TableHeader
			}
			return Styles.TableCell
		})
	if p.level == PersonalityFull {
		t = t.Border(lipgloss.RoundedBorder()).BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep))
	} else {
		t = t.Border(lipgloss.HiddenBorder())
	}
	p.printf("%s\n", t.Render())
}

// ProgressBar renders current/total as a bar of the given width.
func (p *Printer) ProgressBar(current, total, width int) string {
	if p.Machine() || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	current = max(0, min(current, total))
	filled := current * width / total

	bar := Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %d/%d", bar, current, total)
}
