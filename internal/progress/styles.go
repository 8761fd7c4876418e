// Package progress renders session events for the operator: an animated
// spinner on terminals and plain styled lines everywhere else.
package progress

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/antonkrylov/xlab/internal/session"
)

type styles struct {
	info    lipgloss.Style
	warning lipgloss.Style
	danger  lipgloss.Style
	success lipgloss.Style
	url     lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		info:    r.NewStyle().Foreground(lipgloss.Color("12")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		danger:  r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		url:     r.NewStyle().Foreground(lipgloss.Color("14")).Underline(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// line formats an event the same way for both renderers.
func (s styles) line(e session.Event) string {
	msg := e.Message
	if e.URL != "" {
		msg = strings.Replace(msg, e.URL, s.url.Render(e.URL), 1)
	}
	switch {
	case e.Level >= slog.LevelError:
		return s.danger.Render("✗ ") + msg
	case e.Level >= slog.LevelWarn:
		return s.warning.Render("! " + msg)
	case e.Transition && (e.State == session.StateDone || e.State == session.StateAttached || e.State == session.StateDetached):
		return s.success.Render("✓ ") + msg
	case e.Transition:
		return s.info.Render("• ") + msg
	default:
		return s.muted.Render("  " + msg)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// New picks the spinner for terminals and the line printer otherwise.
// Callers must Close the returned renderer.
func New(out *os.File) Renderer {
	if IsTerminal(out) {
		return NewSpinner(out)
	}
	return NewPrinter(out)
}

// Renderer is a session observer with a lifetime.
type Renderer interface {
	session.Observer
	io.Closer
}
