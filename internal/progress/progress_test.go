package progress

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"

	"github.com/antonkrylov/xlab/internal/session"
)

func TestPrinterLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.OnEvent(session.Event{State: session.StateSubmitted, Transition: true, Message: "Submitted job with ID: 4242"})
	p.OnEvent(session.Event{State: session.StateCleaningUp, Level: slog.LevelWarn, Message: "could not remove job folder"})
	p.OnEvent(session.Event{State: session.StateFailed, Transition: true, Level: slog.LevelError, Message: "job 4242 did not start within 2m0s"})
	p.OnEvent(session.Event{State: session.StateDone})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	want := []string{"Submitted job with ID: 4242", "! could not remove job folder", "did not start within"}
	for i, w := range want {
		if !strings.Contains(lines[i], w) {
			t.Fatalf("line %d=%q want %q", i, lines[i], w)
		}
	}
}

func TestPrinterShowsURL(t *testing.T) {
	var buf bytes.Buffer
	url := "http://localhost:8888/?token=abc"
	NewPrinter(&buf).OnEvent(session.Event{State: session.StateAttached, Transition: true, URL: url, Message: "You can access the notebook at\n" + url})
	if !strings.Contains(buf.String(), url) {
		t.Fatalf("output=%q", buf.String())
	}
}

func TestModelTracksWaitingPhase(t *testing.T) {
	m := newModel(lipgloss.NewRenderer(&bytes.Buffer{}))
	next, _ := m.Update(eventMsg(session.Event{State: session.StateWaitingRunning, Transition: true, Message: "Waiting for your job to start"}))
	m = next.(model)
	if !m.busy || m.status != "Waiting for your job to start" {
		t.Fatalf("model=%+v", m)
	}
	if !strings.Contains(m.View(), "Waiting for your job to start") {
		t.Fatalf("view=%q", m.View())
	}

	next, cmd := m.Update(eventMsg(session.Event{State: session.StateAttached, Transition: true, Message: "ready"}))
	m = next.(model)
	if m.busy || m.View() != "" || cmd == nil {
		t.Fatalf("model=%+v view=%q", m, m.View())
	}

	next, cmd = m.Update(eventMsg(session.Event{State: session.StateAttached, Level: slog.LevelWarn, Message: "job ended"}))
	if next.(model).busy || cmd == nil {
		t.Fatalf("warning not printed")
	}

	if _, cmd := m.Update(closeMsg{}); cmd == nil {
		t.Fatalf("close did not quit")
	}
}

func TestBrowserOpenerOpensOnce(t *testing.T) {
	var opened []string
	var failures int
	b := &BrowserOpener{
		Open: func(u string) error {
			opened = append(opened, u)
			return errors.New("no display")
		},
		OnError: func(error) { failures++ },
	}
	b.OnEvent(session.Event{State: session.StateTunneling, Transition: true})
	b.OnEvent(session.Event{State: session.StateAttached, Transition: true, URL: "http://localhost:8888"})
	b.OnEvent(session.Event{State: session.StateAttached, Transition: true, URL: "http://localhost:8888"})
	if len(opened) != 1 || opened[0] != "http://localhost:8888" || failures != 1 {
		t.Fatalf("opened=%v failures=%d", opened, failures)
	}
}

func TestOpenBrowserEmptyTarget(t *testing.T) {
	if err := OpenBrowser("  "); err != nil {
		t.Fatalf("err=%v", err)
	}
}
