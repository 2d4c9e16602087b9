// Package mqtt connects the modem bridge to the local MQTT broker.
//
// The ESP-01 holds the only session with the upstream broker. This client
// talks to a second, local broker where other services read relayed
// messages and submit publish requests:
//
//	upstream broker <-> ESP-01 <-> serial <-> modembridge <-> local broker
//
// Connect requires a Last Will; the bridge passes its health topic with an
// offline payload so consumers see an unclean exit. paho reconnects on its
// own and the client re-issues remembered subscriptions each time.
//
// Enable TLS (mqtt.broker.tls) when the broker is not on loopback.
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Will{
//	    Topic:    esp01.HealthTopic(bridgeID),
//	    Payload:  lwt,
//	    QoS:      1,
//	    Retained: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
