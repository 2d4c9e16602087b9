package esp01

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Session limits. They mirror the modem firmware's fixed-capacity fields.
const (
	// MaxTopics is the largest topic set a session subscribes to.
	MaxTopics = 12

	// MaxTopicLength is the longest topic in bytes.
	MaxTopicLength = 127

	// MaxFieldLength bounds host, username, password and client id.
	MaxFieldLength = 63

	// DefaultClientIDSeed prefixes generated client identifiers.
	DefaultClientIDSeed = "Pico"

	// DefaultKeepAlive is the MQTT keepalive in seconds.
	DefaultKeepAlive = 60

	// DefaultBrokerPort is the plain MQTT port.
	DefaultBrokerPort = 1883
)

// Session timing.
const (
	// connectWait is how long Connecting waits for the flag.
	connectWait = 5 * time.Second

	// setupCommandTimeout bounds each configuration and connect command.
	setupCommandTimeout = 5 * time.Second

	// subscribeTimeout bounds one AT+MQTTSUB exchange.
	subscribeTimeout = 5 * time.Second

	// publishTimeout bounds one AT+MQTTPUB exchange.
	publishTimeout = 5 * time.Second

	// cleanTimeout bounds AT+MQTTCLEAN during Close.
	cleanTimeout = time.Second

	backoffFloor   = time.Second
	backoffCeiling = 16 * time.Second
)

// Status payloads for the session's last will topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// SessionState is the state of the MQTT session state machine.
type SessionState int

const (
	// StateIdle has no connection attempt in progress.
	StateIdle SessionState = iota

	// StateConnecting waits for the connect exchange to raise the flag.
	StateConnecting

	// StateBackoff waits out the retry delay after a failed connect.
	StateBackoff

	// StateSubscribing issues subscriptions for the current topic set.
	StateSubscribing

	// StateConnected has a live session with current subscriptions.
	StateConnected
)

// String returns the lowercase state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateBackoff:
		return "backoff"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SessionConfig describes the upstream broker reached through the modem.
type SessionConfig struct {
	// Host is the broker hostname or address. Required.
	Host string

	// Port is the broker port. Default: 1883.
	Port int

	// Username and Password authenticate with the broker. Optional.
	Username string
	Password string

	// ClientIDSeed prefixes the generated client id. Default: "Pico".
	ClientIDSeed string

	// Topics are subscribed after every connect, in order.
	Topics []string

	// QoS is the subscription QoS level.
	QoS byte

	// KeepAlive in seconds. Default: 60.
	KeepAlive int

	// StatusTopic, when set, carries a retained "online" after each
	// connect and the broker-published "offline" last will.
	StatusTopic string
}

// Validate checks the configuration against the modem's field limits.
func (c SessionConfig) Validate() error {
	if c.Host == "" {
		return ErrHostRequired
	}
	for name, v := range map[string]string{
		"host":           c.Host,
		"username":       c.Username,
		"password":       c.Password,
		"client id seed": c.ClientIDSeed,
	} {
		if len(v) > MaxFieldLength {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrFieldTooLong, name, MaxFieldLength)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid broker port %d", c.Port)
	}
	if c.QoS > 2 {
		return ErrInvalidQoS
	}
	if c.StatusTopic != "" {
		if err := validateTopic(c.StatusTopic); err != nil {
			return fmt.Errorf("status topic: %w", err)
		}
	}
	return validateTopics(c.Topics)
}

func validateTopics(topics []string) error {
	if len(topics) > MaxTopics {
		return fmt.Errorf("%w: %d topics, limit %d", ErrTooManyTopics, len(topics), MaxTopics)
	}
	for _, t := range topics {
		if err := validateTopic(t); err != nil {
			return err
		}
	}
	return nil
}

func validateTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "\r\n\x00") {
		return ErrInvalidTopic
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("%w: %q", ErrTopicTooLong, topic)
	}
	return nil
}

// Session maintains the upstream MQTT session through the modem.
//
// Maintain is called once per loop iteration and never blocks longer
// than the commands it issues in that step. Subscriptions are tracked
// with a version counter so replacing the topic set resubscribes without
// reconnecting.
//
// Thread Safety: not safe for concurrent use. Call every method from the
// goroutine that owns the modem.
type Session struct {
	exec   *Executor
	link   *Link
	clock  Clock
	logger Logger

	cfg        SessionConfig
	configured bool
	clientID   string

	state    SessionState
	deadline time.Time
	backoff  time.Duration

	topicVersion      uint64
	subscribedVersion uint64
	subscribed        bool // a full subscribe pass finished on this connection
	announced         bool // online status published on this connection
}

// NewSession creates an idle session issuing commands through exec.
func NewSession(exec *Executor, link *Link) *Session {
	s := &Session{
		exec:    exec,
		link:    link,
		clock:   exec.clock,
		logger:  exec.logger,
		backoff: backoffFloor,
	}
	link.setState(StateIdle)
	return s
}

// Setup stores the broker configuration. The first connect attempt
// happens on the next Maintain.
func (s *Session) Setup(cfg SessionConfig) error {
	if cfg.Port == 0 {
		cfg.Port = DefaultBrokerPort
	}
	if cfg.ClientIDSeed == "" {
		cfg.ClientIDSeed = DefaultClientIDSeed
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg.Topics = slices.Clone(cfg.Topics)
	s.cfg = cfg
	s.configured = true
	s.topicVersion++
	return nil
}

// SetTopics replaces the subscribed topic set. A connected session
// resubscribes on the next Maintain without reconnecting.
func (s *Session) SetTopics(topics []string) error {
	if err := validateTopics(topics); err != nil {
		return err
	}
	s.cfg.Topics = slices.Clone(topics)
	s.topicVersion++
	s.logger.Info("upstream topics replaced", "topics", len(topics), "version", s.topicVersion)
	return nil
}

// Topics returns a copy of the configured topic set.
func (s *Session) Topics() []string {
	return slices.Clone(s.cfg.Topics)
}

// State returns the current state.
func (s *Session) State() SessionState {
	return s.state
}

// ClientID returns the client id used by the latest connect attempt.
func (s *Session) ClientID() string {
	return s.clientID
}

// IsConnected reports the link's connectivity flag.
func (s *Session) IsConnected() bool {
	return s.link.Connected()
}

// Maintain advances the state machine by one step and reports
// connectivity.
func (s *Session) Maintain() bool {
	if !s.configured {
		return false
	}

	if s.state == StateConnected && s.link.Connected() {
		if s.subscriptionsCurrent() {
			s.backoff = backoffFloor
			return true
		}
		s.setState(StateSubscribing)
	}

	now := s.clock.Now()

	switch s.state {
	case StateIdle:
		s.startConnect()
		return false

	case StateConnecting:
		if s.link.Connected() {
			s.backoff = backoffFloor
			s.setState(StateSubscribing)
			return true
		}
		if !now.Before(s.deadline) {
			s.deadline = now.Add(s.backoff)
			s.logger.Warn("upstream connect failed", "host", s.cfg.Host, "backoff", s.backoff)
			s.backoff = min(s.backoff*2, backoffCeiling)
			s.setState(StateBackoff)
		}
		return false

	case StateBackoff:
		if !now.Before(s.deadline) {
			s.setState(StateIdle)
		}
		return false

	case StateSubscribing:
		s.subscribe()
		s.setState(StateConnected)
		return s.link.Connected()

	case StateConnected:
		s.logger.Warn("upstream session lost", "host", s.cfg.Host)
		s.subscribed = false
		s.announced = false
		s.setState(StateIdle)
		return false
	}

	return false
}

// Publish sends one message upstream. It must be called from the poll
// goroutine.
func (s *Session) Publish(topic, payload string, qos byte, retain bool) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	command := PublishCommand(topic, payload, qos, retain)
	if len(command) > maxCommandLength {
		return fmt.Errorf("%w: %d bytes", ErrCommandTooLong, len(command))
	}
	if !s.link.Connected() {
		return ErrNotConnected
	}

	if result := s.exec.Execute(command, publishTimeout); result != ResultSuccess {
		return fmt.Errorf("%w: publish %s: %s", ErrCommandFailed, topic, result)
	}
	return nil
}

// Close ends the upstream session and returns the machine to Idle.
func (s *Session) Close() {
	if s.link.Connected() {
		s.exec.Execute(CleanCommand(), cleanTimeout)
	}
	s.link.drop()
	s.subscribed = false
	s.announced = false
	s.setState(StateIdle)
}

func (s *Session) subscriptionsCurrent() bool {
	return s.subscribed && s.subscribedVersion == s.topicVersion
}

// startConnect issues the configuration and connect commands. Their
// results only matter through the connectivity flag.
func (s *Session) startConnect() {
	s.clientID = fmt.Sprintf("%s-%04X", s.cfg.ClientIDSeed, s.clock.Now().UnixMilli()&0xFFFF)
	s.logger.Info("upstream connecting", "host", s.cfg.Host, "port", s.cfg.Port, "client_id", s.clientID)

	s.exec.Execute(UserConfigCommand(s.clientID, s.cfg.Username, s.cfg.Password), setupCommandTimeout)
	if s.cfg.StatusTopic != "" {
		s.exec.Execute(ConnConfigCommand(s.cfg.KeepAlive, s.cfg.StatusTopic, StatusOffline), setupCommandTimeout)
	}
	if s.exec.Execute(ConnectCommand(s.cfg.Host, s.cfg.Port), setupCommandTimeout) == ResultSuccess {
		s.link.markConnected()
		s.logger.Info("upstream connected", "host", s.cfg.Host, "client_id", s.clientID)
	}

	s.deadline = s.clock.Now().Add(connectWait)
	s.setState(StateConnecting)
}

// subscribe issues AT+MQTTSUB for every topic when the set is stale. The
// pass stops early if the link drops; the version is recorded only after
// a complete pass.
func (s *Session) subscribe() {
	if s.subscriptionsCurrent() || !s.link.Connected() {
		return
	}

	version := s.topicVersion
	for _, topic := range s.cfg.Topics {
		if s.exec.Execute(SubscribeCommand(topic, s.cfg.QoS), subscribeTimeout) != ResultSuccess {
			s.logger.Warn("upstream subscribe failed", "topic", topic)
			return
		}
	}
	s.subscribedVersion = version
	s.subscribed = true
	s.logger.Info("upstream topics subscribed", "topics", len(s.cfg.Topics), "version", version)

	if s.cfg.StatusTopic != "" && !s.announced {
		if err := s.Publish(s.cfg.StatusTopic, StatusOnline, 1, true); err != nil {
			s.logger.Warn("upstream status publish failed", "topic", s.cfg.StatusTopic, "error", err)
			return
		}
		s.announced = true
	}
}

func (s *Session) setState(next SessionState) {
	if s.state != next {
		s.logger.Debug("session state", "from", s.state.String(), "to", next.String())
	}
	s.state = next
	s.link.setState(next)
}
