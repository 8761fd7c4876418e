package progress

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/antonkrylov/xlab/internal/session"
)

// OpenBrowser asks the desktop to open target.
func OpenBrowser(target string) error {
	if strings.TrimSpace(target) == "" {
		return nil
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}

// BrowserOpener opens the session URL once it is known.
type BrowserOpener struct {
	Open func(string) error
	// OnError receives open failures; nil ignores them.
	OnError func(error)
	opened  bool
}

func (b *BrowserOpener) OnEvent(e session.Event) {
	if b.opened || e.URL == "" || !e.Transition {
		return
	}
	b.opened = true
	open := b.Open
	if open == nil {
		open = OpenBrowser
	}
	if err := open(e.URL); err != nil && b.OnError != nil {
		b.OnError(err)
	}
}
