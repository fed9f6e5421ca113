// Package errors defines the typed failure kinds surfaced over the IPC
// channel. Each kind maps to a stable wire string so the CLI boundary can
// render it without parsing message text.
package errors

import (
	stderr "errors"
	"fmt"
	"time"
)

// Wire kind strings carried in Response.Error.Kind.
const (
	KindProtocol                  = "protocol_error"
	KindDaemonStartTimeout        = "daemon_start_timeout"
	KindUpstreamUnavailable       = "upstream_unavailable"
	KindLanguageServerUnavailable = "language_server_unavailable"
	KindUpstreamTimeout           = "upstream_timeout"
	KindNoMatch                   = "no_match"
	KindInternal                  = "internal_error"
)

// New returns an error that formats as the given text.
func New(msg string) error {
	return stderr.New(msg)
}

// ProtocolError reports a malformed frame or payload. The connection that
// produced it is closed; the daemon keeps running.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// DaemonStartTimeoutError reports that a freshly spawned daemon never became
// reachable within the startup deadline.
type DaemonStartTimeoutError struct {
	Socket  string
	Timeout time.Duration
}

func (e *DaemonStartTimeoutError) Error() string {
	return fmt.Sprintf("daemon did not become reachable on %q within %s", e.Socket, e.Timeout)
}

// UpstreamUnavailableError reports that the language server crashed while a
// query was in flight. The query may be retried once the server restarts.
type UpstreamUnavailableError struct {
	Language string
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("language server for %q is unavailable", e.Language)
}

// LanguageServerUnavailableError reports that the language server exhausted
// its restart budget and will not be retried until a manual reset.
type LanguageServerUnavailableError struct {
	Language string
	Restarts int
}

func (e *LanguageServerUnavailableError) Error() string {
	return fmt.Sprintf("language server for %q terminated after %d failed restarts", e.Language, e.Restarts)
}

// UpstreamTimeoutError reports that a single upstream query exceeded its
// bounded wait. The computation may still complete and populate the cache.
type UpstreamTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %q query exceeded %s", e.Method, e.Timeout)
}

// NoMatchError is a typed empty result from fuzzy resolution, not a failure.
// Candidates are ranked best-first for disambiguation.
type NoMatchError struct {
	Name       string
	Candidates []string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no symbol matching %q", e.Name)
}

// WireKind returns the wire kind string for err, defaulting to internal_error
// for untyped failures.
func WireKind(err error) string {
	var protocolErr *ProtocolError
	var startTimeout *DaemonStartTimeoutError
	var upstreamGone *UpstreamUnavailableError
	var serverGone *LanguageServerUnavailableError
	var upstreamSlow *UpstreamTimeoutError
	var noMatch *NoMatchError
	switch {
	case stderr.As(err, &protocolErr):
		return KindProtocol
	case stderr.As(err, &startTimeout):
		return KindDaemonStartTimeout
	case stderr.As(err, &upstreamGone):
		return KindUpstreamUnavailable
	case stderr.As(err, &serverGone):
		return KindLanguageServerUnavailable
	case stderr.As(err, &upstreamSlow):
		return KindUpstreamTimeout
	case stderr.As(err, &noMatch):
		return KindNoMatch
	default:
		return KindInternal
	}
}
