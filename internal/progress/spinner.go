package progress

import (
	"io"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/antonkrylov/xlab/internal/session"
)

type eventMsg session.Event

type closeMsg struct{}

type model struct {
	spinner spinner.Model
	st      styles
	status  string
	busy    bool
}

func newModel(r *lipgloss.Renderer) model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	st := newStyles(r)
	sp.Style = st.info
	return model{spinner: sp, st: st}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

// waiting reports whether the phase blocks on the cluster and deserves a
// spinner.
func waiting(s session.State) bool {
	switch s {
	case session.StatePreparing, session.StateSubmitted, session.StateWaitingRunning,
		session.StateWaitingEndpoint, session.StateTunneling, session.StateCancelling, session.StateCleaningUp:
		return true
	}
	return false
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		e := session.Event(msg)
		if e.Message == "" {
			return m, nil
		}
		if !e.Transition {
			return m, tea.Println(m.st.line(e))
		}
		var cmds []tea.Cmd
		if m.busy && m.status != "" {
			cmds = append(cmds, tea.Println(m.st.muted.Render("  "+m.status)))
		}
		if waiting(e.State) {
			m.status, m.busy = e.Message, true
		} else {
			m.status, m.busy = "", false
			cmds = append(cmds, tea.Println(m.st.line(e)))
		}
		if len(cmds) == 0 {
			return m, nil
		}
		return m, tea.Sequence(cmds...)
	case closeMsg:
		m.status, m.busy = "", false
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	if !m.busy || m.status == "" {
		return ""
	}
	return m.spinner.View() + " " + m.status
}

// Spinner animates the current phase and keeps a log of finished phases
// above it. It never reads stdin; ENTER and CTRL-C stay with the caller.
type Spinner struct {
	prog *tea.Program
	done chan struct{}
	once sync.Once
}

func NewSpinner(out io.Writer) *Spinner {
	m := newModel(lipgloss.NewRenderer(out))
	s := &Spinner{
		prog: tea.NewProgram(m, tea.WithOutput(out), tea.WithInput(nil), tea.WithoutSignalHandler()),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		_, _ = s.prog.Run()
	}()
	return s
}

func (s *Spinner) OnEvent(e session.Event) {
	s.prog.Send(eventMsg(e))
}

// Close stops the animation and waits for the terminal to be restored.
func (s *Spinner) Close() error {
	s.once.Do(func() {
		s.prog.Send(closeMsg{})
		<-s.done
	})
	return nil
}
