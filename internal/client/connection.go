package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	cliconfig "github.com/antonkrylov/xlab/internal/cli/config"
)

const defaultConnectTimeout = 15 * time.Second

type Connection struct {
	SSHHost        string
	User           string
	SSHArgs        []string
	BatchMode      bool
	ConnectTimeout time.Duration
	ConfigPath     string
	ContextName    string
	Config         *cliconfig.Config
	Context        *cliconfig.Context
}

// Resolve merges connection settings in order of precedence:
// 1) flags (sshHost, user, timeout, contextName)
// 2) config file context
// 3) environment (XLAB_SSH_HOST, XLAB_USER)
// 4) defaults (15s connect timeout)
func Resolve(configPath, contextName, sshHost, user string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:     configPath,
		ContextName:    contextName,
		SSHHost:        strings.TrimSpace(sshHost),
		User:           strings.TrimSpace(user),
		ConnectTimeout: timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}

	if conn.Config != nil {
		ctx, name, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
		conn.ContextName = name
	}

	if c := conn.Context; c != nil {
		if conn.SSHHost == "" {
			conn.SSHHost = strings.TrimSpace(c.SSHHost)
		}
		if conn.User == "" {
			conn.User = strings.TrimSpace(c.User)
		}
		conn.SSHArgs = append(conn.SSHArgs, c.SSHArgs...)
		conn.BatchMode = c.BatchMode
	}

	if conn.SSHHost == "" {
		conn.SSHHost = strings.TrimSpace(os.Getenv("XLAB_SSH_HOST"))
	}
	if conn.User == "" {
		conn.User = strings.TrimSpace(os.Getenv("XLAB_USER"))
	}
	if conn.ConnectTimeout == 0 {
		conn.ConnectTimeout = defaultConnectTimeout
	}

	if conn.SSHHost == "" {
		return nil, fmt.Errorf("ssh host is required (use --ssh-host, a config context or XLAB_SSH_HOST)")
	}
	return conn, nil
}

// HostName is the bare host of SSHHost without user@ or domain.
func (c *Connection) HostName() string {
	h := c.SSHHost
	if i := strings.LastIndex(h, "@"); i >= 0 {
		h = h[i+1:]
	}
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h
}
