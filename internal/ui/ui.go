// Package ui provides shared terminal rendering helpers for CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

// RenderAccent renders text in the accent color, used for headings and
// progress markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders text in the success color.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders text in the warning color.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderErr renders text in the error color.
func RenderErr(s string) string { return errStyle.Render(s) }

// RenderDim renders de-emphasized text.
func RenderDim(s string) string { return dimStyle.Render(s) }

// RenderLabel renders a bold field label.
func RenderLabel(s string) string { return labelStyle.Render(s) }
