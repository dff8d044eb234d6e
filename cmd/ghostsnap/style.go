package main

import "github.com/charmbracelet/lipgloss"

var (
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleHeading = lipgloss.NewStyle().Bold(true).Underline(true)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)
