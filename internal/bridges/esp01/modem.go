package esp01

import "time"

// initTimeout bounds each initialisation command.
const initTimeout = time.Second

// ModemOptions configures NewModem.
type ModemOptions struct {
	// LineCapacity bounds one received line. Default: DefaultLineCapacity.
	LineCapacity int

	// PollInterval is the sleep between empty port reads. Default: 1ms.
	PollInterval time.Duration

	// JoinAttemptTimeout bounds one WiFi join command. Default: 5s.
	JoinAttemptTimeout time.Duration

	// Clock drives every timeout. Default: SystemClock().
	Clock Clock

	// Logger is optional.
	Logger Logger
}

// Modem wires the components that share one serial link.
//
// Inbound message lines that arrive while a command is waiting for its
// response are handed to the parser and dispatched by the next PollOnce.
type Modem struct {
	Link      *Link
	Transport *Transport
	Executor  *Executor
	Parser    *Parser
	Wifi      *WifiJoiner
	Session   *Session
}

// NewModem builds the component stack over port.
func NewModem(port Port, opts ModemOptions) (*Modem, error) {
	if port == nil {
		return nil, ErrPortRequired
	}

	link := NewLink()
	transport := NewTransport(port, link, TransportOptions{
		LineCapacity: opts.LineCapacity,
		PollInterval: opts.PollInterval,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
	})
	exec := NewExecutor(transport, link)
	parser := NewParser(transport, link)
	exec.SetStrayHandler(parser.Defer)

	wifi := NewWifiJoiner(exec)
	if opts.JoinAttemptTimeout > 0 {
		wifi.AttemptTimeout = opts.JoinAttemptTimeout
	}

	return &Modem{
		Link:      link,
		Transport: transport,
		Executor:  exec,
		Parser:    parser,
		Wifi:      wifi,
		Session:   NewSession(exec, link),
	}, nil
}

// Init checks the modem answers and turns command echo off. Failures are
// logged and not fatal; Init reports whether the modem answered "AT".
func (m *Modem) Init() bool {
	alive := m.Executor.Execute(cmdAttention, initTimeout) == ResultSuccess
	if !alive {
		m.Executor.logger.Warn("modem did not answer AT")
	}
	if m.Executor.Execute(cmdEchoOff, initTimeout) != ResultSuccess {
		m.Executor.logger.Warn("modem did not accept ATE0")
	}
	return alive
}
