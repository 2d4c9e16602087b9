package esp01

import (
	"strconv"
	"strings"
	"time"
)

// Unsolicited polling limits.
const (
	// unsolicitedReadTimeout is the per-line wait inside PollOnce.
	unsolicitedReadTimeout = 10 * time.Millisecond

	// maxLinesPerPoll bounds one PollOnce so a chatty modem cannot
	// starve the rest of the loop.
	maxLinesPerPoll = 64

	// maxDeferredLines bounds lines held over from command exchanges.
	maxDeferredLines = 32
)

// disconnectMarkers are substrings that signal loss of the MQTT or WiFi link.
var disconnectMarkers = []string{"CLOSED", "DISCONNECT", "MQTTDISCONN"}

// messageMarkers are substrings that introduce an inbound message.
var messageMarkers = []string{"+MQTTSUBRECV:", "+MQTTPUBLISH:", "+MQTTPUB:", "+MQTTSUB:", "+MQTTMSG:"}

// EventKind classifies an unsolicited line.
type EventKind int

const (
	// EventIgnored is any line the parser does not act on.
	EventIgnored EventKind = iota

	// EventDisconnect is a link-lost notification.
	EventDisconnect

	// EventFailure is a stray failure token.
	EventFailure

	// EventMessage is an inbound message with topic and payload.
	EventMessage

	// EventParseFailure is a message line whose topic and payload could
	// not be extracted.
	EventParseFailure
)

// String returns the event name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventIgnored:
		return "ignored"
	case EventDisconnect:
		return "disconnect"
	case EventFailure:
		return "failure"
	case EventMessage:
		return "message"
	case EventParseFailure:
		return "parse_failure"
	default:
		return "unknown"
	}
}

// Variant names the wire form an inbound message was recognised as.
type Variant int

const (
	// VariantUnknown means no matcher accepted the line.
	VariantUnknown Variant = iota

	// VariantQuotedWithLength is <id>,"<topic>",<len>,<data>.
	VariantQuotedWithLength

	// VariantQuoted is <id>,"<topic>","<payload>".
	VariantQuoted

	// VariantUnquoted is <id>,<topic>,<payload>.
	VariantUnquoted
)

// String returns the variant name used in logs.
func (v Variant) String() string {
	switch v {
	case VariantQuotedWithLength:
		return "quoted_with_length"
	case VariantQuoted:
		return "quoted"
	case VariantUnquoted:
		return "unquoted"
	default:
		return "unknown"
	}
}

// Event is the classification of one line.
type Event struct {
	Kind    EventKind
	Variant Variant
	Topic   string
	Payload string
	Reason  string // Set for EventParseFailure
}

// matchResult is the outcome of one matcher.
type matchResult int

const (
	matchNone      matchResult = iota // not this variant, try the next
	matchOK                           // topic and payload extracted
	matchMalformed                    // this variant, but broken; stop
)

// matcher extracts topic and payload from the text after a message marker.
// Matchers are total and have no side effects.
type matcher struct {
	variant Variant
	match   func(rest string) (topic, payload string, result matchResult)
}

// matchers are tried in order; the first non-matchNone result wins.
var matchers = []matcher{
	{VariantQuotedWithLength, matchQuotedWithLength},
	{VariantQuoted, matchQuoted},
	{VariantUnquoted, matchUnquoted},
}

// Classify inspects one line. It has no side effects. Disconnect words
// are checked before message markers, so a message whose topic or payload
// contains one is treated as a link loss.
func Classify(line Line) Event {
	text := line.Text

	switch {
	case firstIndexOfAny(text, disconnectMarkers) >= 0:
		return Event{Kind: EventDisconnect}
	case isFailureLine(text):
		return Event{Kind: EventFailure}
	}

	marker, mi := findMessageMarker(text)
	if mi < 0 {
		return Event{Kind: EventIgnored}
	}
	if line.Truncated {
		return Event{Kind: EventParseFailure, Reason: "line truncated"}
	}
	return extractMessage(text[mi+len(marker):])
}

func extractMessage(rest string) Event {
	for _, m := range matchers {
		topic, payload, result := m.match(rest)
		switch result {
		case matchOK:
			return Event{Kind: EventMessage, Variant: m.variant, Topic: topic, Payload: payload}
		case matchMalformed:
			return Event{Kind: EventParseFailure, Variant: m.variant, Reason: "malformed " + m.variant.String() + " message"}
		}
	}
	return Event{Kind: EventParseFailure, Reason: "no topic and payload found"}
}

// matchQuotedWithLength accepts the ESP-AT form `<id>,"<topic>",<len>,<data>`
// where data is exactly len bytes and may contain commas or quotes.
func matchQuotedWithLength(rest string) (string, string, matchResult) {
	open := strings.IndexByte(rest, '"')
	if open < 0 {
		return "", "", matchNone
	}
	closing := strings.IndexByte(rest[open+1:], '"')
	if closing < 0 {
		return "", "", matchNone
	}
	closing += open + 1

	tail, ok := strings.CutPrefix(rest[closing+1:], ",")
	if !ok {
		return "", "", matchNone
	}
	lengthText, data, ok := strings.Cut(tail, ",")
	if !ok || lengthText == "" {
		return "", "", matchNone
	}
	n, err := strconv.Atoi(lengthText)
	if err != nil || n < 0 {
		return "", "", matchNone
	}

	topic := rest[open+1 : closing]
	if topic == "" {
		return "", "", matchMalformed
	}
	if len(data) < n {
		// Not a length prefix: a payload such as "23,5" starts with digits
		// and a comma. The quoted matcher takes the whole remainder.
		return "", "", matchNone
	}
	return topic, data[:n], matchOK
}

// matchQuoted accepts `<id>,"<topic>","<payload>"`. Quotes are located
// positionally. A quoted topic followed by an unquoted payload takes the
// remainder after the next comma as the payload.
func matchQuoted(rest string) (string, string, matchResult) {
	q1 := strings.IndexByte(rest, '"')
	if q1 < 0 {
		return "", "", matchNone
	}
	q2 := indexByteFrom(rest, '"', q1+1)
	if q2 < 0 {
		return "", "", matchMalformed
	}
	topic := rest[q1+1 : q2]
	if topic == "" {
		return "", "", matchMalformed
	}

	q3 := indexByteFrom(rest, '"', q2+1)
	if q3 < 0 {
		comma := indexByteFrom(rest, ',', q2+1)
		if comma < 0 {
			return "", "", matchMalformed
		}
		return topic, rest[comma+1:], matchOK
	}
	q4 := indexByteFrom(rest, '"', q3+1)
	if q4 < 0 {
		return "", "", matchMalformed
	}
	return topic, rest[q3+1 : q4], matchOK
}

// matchUnquoted accepts `<id>,<topic>,<payload>` on lines with no quotes.
func matchUnquoted(rest string) (string, string, matchResult) {
	if strings.IndexByte(rest, '"') >= 0 {
		return "", "", matchNone
	}
	_, afterID, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", matchNone
	}
	topic, payload, ok := strings.Cut(afterID, ",")
	if !ok {
		return "", "", matchNone
	}
	topic = strings.TrimLeft(topic, " \t")
	if topic == "" {
		return "", "", matchNone
	}
	return topic, payload, matchOK
}

// Parser drains unsolicited lines and dispatches inbound messages.
//
// Thread Safety: not safe for concurrent use. PollOnce must run on the
// goroutine that owns the modem; the message handler is invoked on it.
type Parser struct {
	transport *Transport
	link      *Link
	logger    Logger
	onMessage func(topic, payload string)
	deferred  []Line
}

// NewParser creates a parser reading from transport.
func NewParser(transport *Transport, link *Link) *Parser {
	return &Parser{
		transport: transport,
		link:      link,
		logger:    transport.logger,
	}
}

// SetMessageHandler registers the inbound message callback.
func (p *Parser) SetMessageHandler(fn func(topic, payload string)) {
	p.onMessage = fn
}

// Defer keeps a line that arrived during a command exchange so the next
// PollOnce classifies it. Inbound messages and link-loss notices are kept
// in arrival order; anything else is dropped.
func (p *Parser) Defer(line Line) {
	_, mi := findMessageMarker(line.Text)
	if mi < 0 && firstIndexOfAny(line.Text, disconnectMarkers) < 0 {
		return
	}
	if len(p.deferred) >= maxDeferredLines {
		p.logger.Warn("deferred line dropped", "line", line.Text)
		return
	}
	p.deferred = append(p.deferred, line)
	p.link.linesDeferred.Add(1)
}

// PollOnce handles deferred lines, then every line currently available.
// It returns the number of messages dispatched.
func (p *Parser) PollOnce() int {
	dispatched := 0

	held := p.deferred
	p.deferred = nil
	for _, line := range held {
		if p.handle(line) {
			dispatched++
		}
	}

	for i := 0; i < maxLinesPerPoll; i++ {
		line, ok := p.transport.ReadLine(unsolicitedReadTimeout)
		if !ok {
			break
		}
		if p.handle(line) {
			dispatched++
		}
	}
	return dispatched
}

// handle applies one line and reports whether a message was dispatched.
func (p *Parser) handle(line Line) bool {
	ev := Classify(line)

	switch ev.Kind {
	case EventDisconnect:
		if p.link.drop() {
			p.logger.Warn("modem reported disconnect", "line", line.Text)
		}
	case EventFailure:
		p.link.drop()
		p.logger.Warn("modem reported failure", "line", line.Text)
	case EventMessage:
		p.link.messagesReceived.Add(1)
		p.logger.Debug("inbound message", "topic", ev.Topic, "variant", ev.Variant.String())
		if p.onMessage != nil {
			p.onMessage(ev.Topic, ev.Payload)
		}
		return true
	case EventParseFailure:
		p.link.parseFailures.Add(1)
		p.logger.Warn("atparse: message line discarded", "reason", ev.Reason, "line", line.Text)
	}
	return false
}

func findMessageMarker(text string) (string, int) {
	best, at := "", -1
	for _, m := range messageMarkers {
		if i := strings.Index(text, m); i >= 0 && (at < 0 || i < at) {
			best, at = m, i
		}
	}
	return best, at
}

func firstIndexOfAny(text string, subs []string) int {
	at := -1
	for _, s := range subs {
		if i := strings.Index(text, s); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	return at
}

func indexByteFrom(s string, c byte, from int) int {
	if from >= len(s) {
		return -1
	}
	if i := strings.IndexByte(s[from:], c); i >= 0 {
		return i + from
	}
	return -1
}
