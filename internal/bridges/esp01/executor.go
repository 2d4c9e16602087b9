package esp01

import (
	"strings"
	"time"
)

// CommandResult classifies the outcome of one command exchange.
type CommandResult int

const (
	// ResultSuccess means the modem answered with the success token.
	ResultSuccess CommandResult = iota

	// ResultFailure means the modem answered with the failure token, or
	// the command could not be written.
	ResultFailure

	// ResultTimeout means no terminal token arrived before the deadline.
	ResultTimeout
)

// String returns the lowercase result name used in logs.
func (r CommandResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Response tokens.
const (
	successToken = "OK"
	failureToken = "ERROR"

	// responseReadSlice is the longest single ReadLine wait inside Execute.
	responseReadSlice = 200 * time.Millisecond
)

// Executor sends one command at a time and waits for its terminal token.
//
// Any Failure or Timeout clears the link's connectivity flag: a modem that
// rejects or ignores a command is treated as suspect until the session
// reconnects.
type Executor struct {
	transport *Transport
	link      *Link
	clock     Clock
	logger    Logger

	// stray receives non-terminal lines seen while waiting.
	stray func(Line)
}

// NewExecutor creates an executor on top of a transport. It shares the
// transport's clock and logger.
func NewExecutor(transport *Transport, link *Link) *Executor {
	return &Executor{
		transport: transport,
		link:      link,
		clock:     transport.clock,
		logger:    transport.logger,
	}
}

// SetStrayHandler registers a function that receives every line read
// during a command exchange that is not the terminal token.
func (e *Executor) SetStrayHandler(fn func(Line)) {
	e.stray = fn
}

// Execute sends command and waits up to timeout for "OK" or "ERROR...".
// It never returns before timeout unless a terminal token arrives.
func (e *Executor) Execute(command string, timeout time.Duration) CommandResult {
	verb := commandVerb(command)
	e.link.commandsSent.Add(1)

	if err := e.transport.WriteLine(command); err != nil {
		e.link.commandsFailed.Add(1)
		e.logger.Warn("modem command not sent", "command", verb, "error", err)
		return ResultFailure
	}
	e.logger.Debug("modem command sent", "command", verb)

	deadline := e.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			break
		}

		line, ok := e.transport.ReadLine(min(remaining, responseReadSlice))
		if !ok {
			continue
		}

		switch {
		case line.Text == successToken:
			e.link.commandsOK.Add(1)
			e.logger.Debug("modem command succeeded", "command", verb)
			return ResultSuccess
		case isFailureLine(line.Text):
			e.link.commandsFailed.Add(1)
			e.link.drop()
			e.logger.Warn("modem command failed", "command", verb, "result", ResultFailure.String(), "line", line.Text)
			return ResultFailure
		default:
			if e.stray != nil {
				e.stray(line)
			}
		}
	}

	e.link.commandsTimedOut.Add(1)
	e.link.drop()
	e.logger.Warn("modem command timed out", "command", verb, "result", ResultTimeout.String(), "timeout", timeout)
	return ResultTimeout
}

func isFailureLine(text string) bool {
	return strings.HasPrefix(text, failureToken)
}
