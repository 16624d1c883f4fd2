// Package diag carries leveled diagnostics from the compiler and native
// functions to the host. Severities mirror syslog; the default backend is
// commonlog.
package diag

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
)

// Severity is a syslog-style message level. Lower is more severe.
type Severity uint8

const (
	Emergency Severity = iota
	Alert
	Critical
	Error
	Warning
	Notice
	Info
	Debug
)

var severityNames = [...]string{"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("severity(%d)", s)
}

// ParseSeverity accepts the lower-case severity names.
func ParseSeverity(name string) (Severity, bool) {
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i), true
		}
	}
	return 0, false
}

// Logger accepts diagnostics.
type Logger interface {
	Logf(sev Severity, format string, args ...any)
}

// Discard drops every message.
var Discard Logger = discard{}

type discard struct{}

func (discard) Logf(Severity, string, ...any) {}

// ---------------------------------------------------------------------------
// commonlog backend
// ---------------------------------------------------------------------------

// CommonLog forwards diagnostics to a commonlog logger. commonlog has no
// emergency or alert levels; both map to Critical.
type CommonLog struct {
	log commonlog.Logger
}

// NewCommonLog returns a backend writing under the named logger path.
func NewCommonLog(name ...string) *CommonLog {
	return &CommonLog{log: commonlog.GetLogger(strings.Join(name, "."))}
}

func (c *CommonLog) Logf(sev Severity, format string, args ...any) {
	c.log.Logf(Level(sev), 1, format, args...)
}

// Level maps a severity onto a commonlog level.
func Level(sev Severity) commonlog.Level {
	switch sev {
	case Emergency, Alert, Critical:
		return commonlog.Critical
	case Error:
		return commonlog.Error
	case Warning:
		return commonlog.Warning
	case Notice:
		return commonlog.Notice
	case Info:
		return commonlog.Info
	}
	return commonlog.Debug
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// Entry is one recorded diagnostic.
type Entry struct {
	Severity Severity
	Message  string
}

func (e Entry) String() string { return e.Severity.String() + ": " + e.Message }

// Collector records diagnostics in memory, optionally forwarding them.
// It is safe for concurrent use.
type Collector struct {
	Next Logger

	mu      sync.Mutex
	entries []Entry
}

func (c *Collector) Logf(sev Severity, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.entries = append(c.entries, Entry{Severity: sev, Message: msg})
	c.mu.Unlock()
	if c.Next != nil {
		c.Next.Logf(sev, "%s", msg)
	}
}

// Entries returns a snapshot of the recorded diagnostics.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Count returns the number of entries at sev or more severe.
func (c *Collector) Count(sev Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Severity <= sev {
			n++
		}
	}
	return n
}

// Reset forgets all recorded entries.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
