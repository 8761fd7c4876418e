package events

import "time"

// Options describe how session events are published to NATS JetStream.
type Options struct {
	URL      string
	User     string
	Password string
	// Subject is the prefix; events go to <Subject>.sessions.<session id>.
	Subject    string
	Stream     string
	MaxBytes   int64
	DupeWindow time.Duration
	// PublishTimeout bounds how long one event may wait for its ack.
	PublishTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Subject == "" {
		o.Subject = "xlab"
	}
	if o.Stream == "" {
		o.Stream = "xlab_sessions"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
	if o.PublishTimeout == 0 {
		o.PublishTimeout = 2 * time.Second
	}
}
