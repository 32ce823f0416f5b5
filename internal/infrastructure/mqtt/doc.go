// Package mqtt is the message channel between the telemetry gateway and
// the recorder, built on Eclipse Paho.
//
// The gateway publishes one QoS 1 message per detected change on
// telemetry/{channel}/{machine_code}, so the topic is the per-machine
// ordering key. The recorder subscribes to telemetry/{channel}/+ (or the
// $share/{group}/ form) with a persistent session: the broker queues
// messages while it is offline and hands them over in order when it
// returns.
//
//	Gateway → MQTT Broker → Recorder
//
// Every client publishes a retained online/offline status on
// telemetry/system/{client_id}/status, with a will message covering
// crashes. Enable TLS (broker.tls) when the broker is off the plant LAN.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish(mqtt.Topics{}.MachineData("machine-data", "45051"), payload, 1, false)
package mqtt
