package esp01

import (
	"fmt"
	"strings"
)

// AT command constants for the ESP-AT MQTT command set.
const (
	// mqttLinkID is the modem's MQTT connection slot. ESP-AT supports one.
	mqttLinkID = 0

	// mqttSchemeTCP selects MQTT over plain TCP in AT+MQTTUSERCFG.
	mqttSchemeTCP = 1

	// maxCommandLength bounds an encoded command line, terminator excluded.
	maxCommandLength = 1024

	cmdAttention = "AT"
	cmdEchoOff   = "ATE0"
)

// atEscaper escapes the characters ESP-AT treats specially inside
// quoted string parameters.
var atEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `,`, `\,`)

func quoteParam(s string) string {
	return `"` + atEscaper.Replace(s) + `"`
}

// JoinCommand builds AT+CWJAP for the given access point.
func JoinCommand(ssid, password string) string {
	return fmt.Sprintf("AT+CWJAP=%s,%s", quoteParam(ssid), quoteParam(password))
}

// UserConfigCommand builds AT+MQTTUSERCFG.
//
// Format: AT+MQTTUSERCFG=<id>,<scheme>,"<client_id>","<username>","<password>",<cert_key_id>,<ca_id>,"<path>"
func UserConfigCommand(clientID, username, password string) string {
	return fmt.Sprintf("AT+MQTTUSERCFG=%d,%d,%s,%s,%s,0,0,\"\"",
		mqttLinkID, mqttSchemeTCP, quoteParam(clientID), quoteParam(username), quoteParam(password))
}

// ConnConfigCommand builds AT+MQTTCONNCFG, which sets the keepalive and
// the last will message.
//
// Format: AT+MQTTCONNCFG=<id>,<keepalive>,<disable_clean_session>,"<lwt_topic>","<lwt_msg>",<lwt_qos>,<lwt_retain>
func ConnConfigCommand(keepAlive int, willTopic, willMessage string) string {
	return fmt.Sprintf("AT+MQTTCONNCFG=%d,%d,0,%s,%s,1,1",
		mqttLinkID, keepAlive, quoteParam(willTopic), quoteParam(willMessage))
}

// ConnectCommand builds AT+MQTTCONN. The modem's own reconnect is
// disabled; the session state machine owns reconnection.
func ConnectCommand(host string, port int) string {
	return fmt.Sprintf("AT+MQTTCONN=%d,%s,%d,0", mqttLinkID, quoteParam(host), port)
}

// SubscribeCommand builds AT+MQTTSUB.
func SubscribeCommand(topic string, qos byte) string {
	return fmt.Sprintf("AT+MQTTSUB=%d,%s,%d", mqttLinkID, quoteParam(topic), qos)
}

// PublishCommand builds AT+MQTTPUB with an inline string payload.
func PublishCommand(topic, payload string, qos byte, retain bool) string {
	r := 0
	if retain {
		r = 1
	}
	return fmt.Sprintf("AT+MQTTPUB=%d,%s,%s,%d,%d", mqttLinkID, quoteParam(topic), quoteParam(payload), qos, r)
}

// CleanCommand builds AT+MQTTCLEAN, which closes the MQTT connection and
// releases the modem's session resources.
func CleanCommand() string {
	return fmt.Sprintf("AT+MQTTCLEAN=%d", mqttLinkID)
}

// commandVerb returns the command name without parameters, so logs never
// carry credentials.
func commandVerb(command string) string {
	if i := strings.IndexAny(command, "=?"); i >= 0 {
		return command[:i]
	}
	return command
}
