package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/antonkrylov/xlab/internal/session"
)

// Printer writes one line per event.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
	st  styles
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, st: newStyles(lipgloss.NewRenderer(out))}
}

func (p *Printer) OnEvent(e session.Event) {
	if e.Message == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.out, p.st.line(e))
}

func (p *Printer) Close() error { return nil }
