// Package mqtt connects the relay to an MQTT broker for vehicle firmware
// that does not hold a socket connection.
//
// It manages:
//   - Connection with auto-reconnect and subscription restore
//   - Publishing with QoS and a 1 MiB payload cap
//   - A retained {prefix}/system/status online message and offline last will
//   - Link counters (Stats) for /api/system/metrics
//
// # Topics
//
//	{prefix}/devices/{id}/command    relay -> firmware, one movement
//	{prefix}/devices/{id}/sequence   relay -> firmware, demo replay
//	{prefix}/devices/{id}/obstacle   firmware -> relay
//	{prefix}/devices/{id}/status     firmware -> relay
//	{prefix}/system/status           relay online/offline (retained)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if errors.Is(err, mqtt.ErrDisabled) {
//	    // no firmware bridge
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllDeviceObstacles(), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt
