// Package firmware links vehicles that speak MQTT instead of holding a
// socket connection.
//
// Outbound, it mirrors every execute_movement and execute_sequence push to
// {prefix}/devices/{id}/command and {prefix}/devices/{id}/sequence.
// Inbound, it subscribes to {prefix}/devices/+/obstacle and
// {prefix}/devices/+/status and feeds them through the dispatcher with
// origin "mqtt", so firmware reports are validated, recorded and broadcast
// exactly like socket reports.
//
//	bridge, err := firmware.NewBridge(firmware.Options{MQTT: client, Dispatcher: d})
//	d.SetMirror(bridge)
//	bridge.Start(ctx)
//	defer bridge.Stop()
package firmware
