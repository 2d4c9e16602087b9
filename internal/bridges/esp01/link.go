package esp01

import (
	"sync/atomic"
	"time"
)

// LinkStats holds operational statistics for one modem link.
type LinkStats struct {
	LinesRead        uint64
	LinesTruncated   uint64
	CommandsSent     uint64
	CommandsOK       uint64
	CommandsFailed   uint64
	CommandsTimedOut uint64
	MessagesReceived uint64
	LinesDeferred    uint64
	ParseFailures    uint64
	Disconnects      uint64 // Times the connectivity flag went from true to false
	Connects         uint64 // Successful session-connect exchanges
	TransportErrors  uint64
	LastActivity     time.Time
	Connected        bool
	State            string // Session state name at the time of the snapshot
}

// Link is the handle shared by every component driving one modem.
//
// It owns the connectivity flag: set only by a successful connect
// exchange, cleared by failure tokens, disconnect notifications, command
// timeouts and transport errors. All mutation happens on the poll
// goroutine; fields are atomic so health reporting can read a snapshot
// from elsewhere.
type Link struct {
	connected atomic.Bool
	state     atomic.Int32

	linesRead        atomic.Uint64
	linesTruncated   atomic.Uint64
	commandsSent     atomic.Uint64
	commandsOK       atomic.Uint64
	commandsFailed   atomic.Uint64
	commandsTimedOut atomic.Uint64
	messagesReceived atomic.Uint64
	linesDeferred    atomic.Uint64
	parseFailures    atomic.Uint64
	disconnects      atomic.Uint64
	connects         atomic.Uint64
	transportErrors  atomic.Uint64
	lastActivity     atomic.Int64 // Unix nanoseconds
}

// NewLink returns a disconnected link.
func NewLink() *Link {
	return &Link{}
}

// Connected reports the connectivity flag.
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// markConnected sets the flag after a successful connect exchange.
func (l *Link) markConnected() {
	l.connected.Store(true)
	l.connects.Add(1)
}

// drop clears the flag. It reports whether the flag was set.
func (l *Link) drop() bool {
	if l.connected.Swap(false) {
		l.disconnects.Add(1)
		return true
	}
	return false
}

func (l *Link) touch(now time.Time) {
	l.lastActivity.Store(now.UnixNano())
}

func (l *Link) setState(s SessionState) {
	l.state.Store(int32(s))
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() LinkStats {
	var last time.Time
	if ns := l.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return LinkStats{
		LinesRead:        l.linesRead.Load(),
		LinesTruncated:   l.linesTruncated.Load(),
		CommandsSent:     l.commandsSent.Load(),
		CommandsOK:       l.commandsOK.Load(),
		CommandsFailed:   l.commandsFailed.Load(),
		CommandsTimedOut: l.commandsTimedOut.Load(),
		MessagesReceived: l.messagesReceived.Load(),
		LinesDeferred:    l.linesDeferred.Load(),
		ParseFailures:    l.parseFailures.Load(),
		Disconnects:      l.disconnects.Load(),
		Connects:         l.connects.Load(),
		TransportErrors:  l.transportErrors.Load(),
		LastActivity:     last,
		Connected:        l.connected.Load(),
		State:            SessionState(l.state.Load()).String(),
	}
}
