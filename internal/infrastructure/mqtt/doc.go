// Package mqtt provides MQTT client connectivity for the Odemis daemon.
//
// The daemon uses MQTT to mirror the state of its components to the rest of
// the facility: VA values are published as retained messages, and VAs may
// be written back through command topics (see package mirror). The broker
// decouples dashboards and loggers from the component transport.
//
//	odemisd ↔ MQTT Broker ↔ dashboards, loggers, scripts
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) on the process status topic
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.VAState("back1", "stage", "speed")
//	client.PublishRetained(topic, []byte(`2.0`))
package mqtt
