package node

import "strings"

const defaultMaxEvents = 128

// IOEvents is a set of readiness operations. EventRead, EventWrite and EventAccept
// form interest sets; EventError and EventHangup are only ever reported.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventAccept
	EventError
	EventHangup
)

func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		ev   IOEvents
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventAccept, "accept"},
		{EventError, "error"},
		{EventHangup, "hangup"},
	} {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Readiness is one ready descriptor reported by a single Poller.Wait call.
type Readiness struct {
	Fd     int
	Events IOEvents
}

// readable reports whether the read path should run. Errors and hangups are
// folded in so the read observes the EOF or the error and closes the connection.
func (r Readiness) readable() bool {
	return r.Events&(EventRead|EventAccept|EventError|EventHangup) != 0
}

func (r Readiness) writable() bool {
	return r.Events&EventWrite != 0
}
