// Package events mirrors session lifecycle events into NATS JetStream so
// that dashboards and other tools can follow sessions without scraping the
// console.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/xlab/internal/session"
)

// Record is the JSON payload of one published event.
type Record struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	Transition bool      `json:"transition"`
	Level      string    `json:"level"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	JobID      int64     `json:"job_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Time       time.Time `json:"time"`
}

// NewRecord converts a session event.
func NewRecord(e session.Event) Record {
	r := Record{
		SessionID:  e.SessionID,
		State:      e.State.String(),
		Transition: e.Transition,
		Level:      e.Level.String(),
		Message:    e.Message,
		JobID:      int64(e.JobID),
		URL:        e.URL,
		Time:       e.Time.UTC(),
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	return r
}

type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher is a session.Observer that publishes every event. Publishing
// failures are logged and never reach the session.
type Publisher struct {
	conn   *nats.Conn
	js     publisher
	opts   Options
	logger *slog.Logger
	seq    atomic.Uint64
	failed atomic.Bool
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Publisher, error) {
	cfg := opts
	cfg.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("xlab"), nats.Timeout(cfg.PublishTimeout)}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := &Publisher{conn: conn, js: js, opts: cfg, logger: logger}
	if err := p.ensureStream(ctx, js); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context, js nats.JetStreamManager) error {
	cfg := &nats.StreamConfig{
		Name:       p.opts.Stream,
		Subjects:   []string{p.wildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   p.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: p.opts.DupeWindow,
	}
	if _, err := js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

// OnEvent implements session.Observer.
func (p *Publisher) OnEvent(e session.Event) {
	if err := p.publish(e); err != nil {
		// Only the first failure is logged.
		if p.failed.CompareAndSwap(false, true) {
			p.logger.Warn("event publish failed", "session_id", e.SessionID, "state", e.State.String(), "err", err)
		}
	}
}

func (p *Publisher) publish(e session.Event) error {
	payload, err := json.Marshal(NewRecord(e))
	if err != nil {
		return err
	}
	seq := p.seq.Add(1)
	msgID := fmt.Sprintf("session:%s:%d", e.SessionID, seq)
	_, err = p.js.Publish(p.subject(e.SessionID), payload, nats.MsgId(msgID), nats.AckWait(p.opts.PublishTimeout))
	return err
}

// Close flushes pending publishes and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}

func (p *Publisher) subject(sessionID string) string {
	id := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(sessionID)
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("%s.sessions.%s", p.opts.Subject, id)
}

func (p *Publisher) wildcard() string {
	return fmt.Sprintf("%s.sessions.*", p.opts.Subject)
}
