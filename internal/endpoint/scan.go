// Package endpoint extracts the service address a batch job prints to its log.
package endpoint

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Endpoint is the network address of the service started inside a job.
type Endpoint struct {
	Host  string
	Port  int
	Token string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

var urlRe = regexp.MustCompile(`https?://[^\s"'<>]+`)

// Scan looks for the first URL in lines whose port equals portHint. The log is
// re-scanned from the start on every call; logs are small and this keeps the
// result independent of how the caller chunks reads.
func Scan(lines []string, portHint int) (Endpoint, bool) {
	for _, line := range lines {
		for _, raw := range urlRe.FindAllString(line, -1) {
			if ep, ok := parse(raw, portHint); ok {
				return ep, true
			}
		}
	}
	return Endpoint{}, false
}

// ScanText splits text into lines and calls Scan.
func ScanText(text string, portHint int) (Endpoint, bool) {
	return Scan(strings.Split(text, "\n"), portHint)
}

func parse(raw string, portHint int) (Endpoint, bool) {
	raw = strings.TrimRight(raw, ".,;)")
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, false
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port != portHint {
		return Endpoint{}, false
	}
	return Endpoint{Host: u.Hostname(), Port: port, Token: rawQueryParam(u.RawQuery, "token")}, true
}

// rawQueryParam returns the undecoded value of key.
func rawQueryParam(rawQuery, key string) string {
	for _, kv := range strings.Split(rawQuery, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

// LocalURL is the address an operator opens once the tunnel is up.
func LocalURL(localPort int, token string) string {
	if token == "" {
		return fmt.Sprintf("http://localhost:%d", localPort)
	}
	return fmt.Sprintf("http://localhost:%d/?token=%s", localPort, token)
}
