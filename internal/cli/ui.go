package cli

import (
	"github.com/fatih/color"

	"github.com/jamesruggles/spectra/internal/database"
)

var (
	success    = color.New(color.FgGreen, color.Bold).SprintfFunc()
	info       = color.New(color.FgCyan).SprintfFunc()
	warning    = color.New(color.FgYellow, color.Bold).SprintfFunc()
	errorColor = color.New(color.FgRed, color.Bold).SprintfFunc()
)

func colorGrade(grade string) string {
	switch grade {
	case "A", "B":
		return success("%s", grade)
	case "C":
		return warning("%s", grade)
	default:
		return errorColor("%s", grade)
	}
}

func colorStatus(status string) string {
	switch status {
	case database.StatusCompleted:
		return success("%s", status)
	case database.StatusFailed:
		return errorColor("%s", status)
	default:
		return info("%s", status)
	}
}
