package observer

import (
	"strings"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	"github.com/codefionn/peekproxy/peekproxy-srv/request"
)

// LogObserver writes events through the leveled logger. Request summaries go
// to INFO, headers to DEBUG and the raw head to TRACE.
type LogObserver struct{}

// NewLogObserver creates a LogObserver.
func NewLogObserver() *LogObserver {
	return &LogObserver{}
}

func (l *LogObserver) ProxyStarted(addr string) {
	logger.Info("Proxy listening on %s", addr)
}

func (l *LogObserver) ConnectionAccepted(clientAddr string) {
	logger.Debug("Accepted connection from %s", clientAddr)
}

func (l *LogObserver) HTTPRequest(log *RequestLog) {
	logger.Info("%s", logger.WithConn(log.ClientAddr, "%s %s %s", log.Line.Method, log.Line.Target, log.Line.Version))
	logHeaders(log.ClientAddr, log.Headers)
	logRaw(log.ClientAddr, log.Raw)
}

func (l *LogObserver) ConnectRequest(log *ConnectLog) {
	logger.Info("%s", logger.WithConn(log.ClientAddr, "CONNECT %s (host %s, port %d) %s",
		log.Target.Addr(), log.Target.Host, log.Target.Port, log.Version))
	logHeaders(log.ClientAddr, log.Headers)
	logRaw(log.ClientAddr, log.Raw)
}

func (l *LogObserver) ConnectionEstablished(target string) {
	logger.Info("Tunnel established to %s", target)
}

func (l *LogObserver) ConnectionFailed(ev ErrorEvent) {
	logger.Warn("Failed to connect to %s: %v", ev.Subject, ev.Err)
}

func (l *LogObserver) TunnelClosed(target string, sent, received int64, duration time.Duration) {
	logger.Info("Tunnel to %s closed after %s (client sent %d bytes, received %d bytes)",
		target, duration.Round(time.Millisecond), sent, received)
}

func (l *LogObserver) Error(ev ErrorEvent) {
	logger.Error("%s: %s", ev.Category, ev.Message())
}

// credentialHeaders are logged without their secret part. The value tells
// whether the auth scheme in front of the secret is kept.
var credentialHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              false,
	"set-cookie":          false,
}

const redacted = "[REDACTED]"

// headerValue returns value as it may be logged, so "Basic dXNlcjpwYXNz"
// in a Proxy-Authorization header becomes "Basic [REDACTED]".
func headerValue(name, value string) string {
	keepScheme, ok := credentialHeaders[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return value
	}
	if keepScheme {
		if scheme, _, found := strings.Cut(strings.TrimSpace(value), " "); found {
			return scheme + " " + redacted
		}
	}
	return redacted
}

// redactHead applies headerValue to every header line of a raw head.
func redactHead(head string) string {
	lines := strings.Split(head, "\n")
	for i := 1; i < len(lines); i++ {
		name, value, ok := strings.Cut(strings.TrimSuffix(lines[i], "\r"), ":")
		if !ok {
			continue
		}
		if _, secret := credentialHeaders[strings.ToLower(strings.TrimSpace(name))]; !secret {
			continue
		}
		line := name + ": " + headerValue(name, strings.TrimSpace(value))
		if strings.HasSuffix(lines[i], "\r") {
			line += "\r"
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

func logHeaders(clientAddr string, headers request.Headers) {
	if !logger.IsLevelEnabled(logger.DEBUG) {
		return
	}
	for _, name := range headers.Names() {
		logger.Debug("%s", logger.WithConn(clientAddr, "  %s: %s", name, headerValue(name, headers[name])))
	}
}

func logRaw(clientAddr string, raw []byte) {
	if !logger.IsLevelEnabled(logger.TRACE) {
		return
	}
	logger.Trace("%s", logger.WithConn(clientAddr, "raw head:\n%s", redactHead(strings.TrimRight(request.Decode(raw), "\r\n"))))
}
