package pipeline

import "strings"

// Notifier receives one-way progress events from a run. Calls are made from the
// orchestrator's goroutine, one at a time.
type Notifier interface {
	Status(msg string)
	Progress(percent int)
	BusinessCount(n int)
	Record(r ContactRecord)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Status(string)        {}
func (NopNotifier) Progress(int)         {}
func (NopNotifier) BusinessCount(int)    {}
func (NopNotifier) Record(ContactRecord) {}

// LogNotifier writes events as log lines.
type LogNotifier struct {
	Logf func(format string, args ...any)
}

func (n LogNotifier) Status(msg string) {
	n.logf("status: %s", msg)
}

func (n LogNotifier) Progress(percent int) {
	n.logf("progress: %d%%", percent)
}

func (n LogNotifier) BusinessCount(c int) {
	n.logf("businesses found: %d", c)
}

func (n LogNotifier) Record(r ContactRecord) {
	n.logf("record: name=%q business=%q city=%s state=%s phones=%d emails=%d",
		r.Name, r.BusinessName, r.City, r.State, len(r.Phones), len(r.Emails))
}

func (n LogNotifier) logf(format string, args ...any) {
	if n.Logf == nil {
		return
	}
	n.Logf(format, args...)
}

// MultiNotifier fans events out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Status(msg string) {
	for _, n := range m {
		n.Status(msg)
	}
}

func (m MultiNotifier) Progress(p int) {
	for _, n := range m {
		n.Progress(p)
	}
}

func (m MultiNotifier) BusinessCount(c int) {
	for _, n := range m {
		n.BusinessCount(c)
	}
}

func (m MultiNotifier) Record(r ContactRecord) {
	for _, n := range m {
		n.Record(r)
	}
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	return strings.TrimSpace(s)
}
