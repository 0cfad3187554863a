package output

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles used in text mode.
type Styles struct {
	Header1 lipgloss.Style
	Header2 lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	ModelID lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) *Styles {
	return &Styles{
		Header1: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Header2: r.NewStyle().Bold(true),
		Success: r.NewStyle().Foreground(lipgloss.Color("10")),
		Warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		Error:   r.NewStyle().Foreground(lipgloss.Color("9")),
		Muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		ModelID: r.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
	}
}

// Status renders a run or result status with its color.
func (s *Styles) Status(status string) string {
	switch status {
	case "completed":
		return s.Success.Render(status)
	case "failed":
		return s.Error.Render(status)
	case "canceled":
		return s.Warning.Render(status)
	default:
		return s.Muted.Render(status)
	}
}
