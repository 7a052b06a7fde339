package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "carrelay"

// Device topic leaves.
const (
	LeafCommand  = "command"
	LeafSequence = "sequence"
	LeafObstacle = "obstacle"
	LeafStatus   = "status"
)

// Topics builds the relay's MQTT topic names under one prefix.
//
//	t := mqtt.NewTopics("carrelay")
//	t.DeviceCommand(7) // "carrelay/devices/7/command"
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix, falling back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) device(id int64, leaf string) string {
	return fmt.Sprintf("%s/devices/%d/%s", t.Prefix, id, leaf)
}

// DeviceCommand is where single movements are sent to firmware.
func (t Topics) DeviceCommand(id int64) string { return t.device(id, LeafCommand) }

// DeviceSequence is where demo replays are sent to firmware.
func (t Topics) DeviceSequence(id int64) string { return t.device(id, LeafSequence) }

// DeviceObstacle is where firmware reports obstacles.
func (t Topics) DeviceObstacle(id int64) string { return t.device(id, LeafObstacle) }

// DeviceStatus is where firmware reports its status.
func (t Topics) DeviceStatus(id int64) string { return t.device(id, LeafStatus) }

// AllDeviceObstacles matches every device's obstacle topic.
func (t Topics) AllDeviceObstacles() string { return t.Prefix + "/devices/+/" + LeafObstacle }

// AllDeviceStatuses matches every device's status topic.
func (t Topics) AllDeviceStatuses() string { return t.Prefix + "/devices/+/" + LeafStatus }

// SystemStatus carries the relay's retained online/offline message.
func (t Topics) SystemStatus() string { return t.Prefix + "/system/status" }

// ParseDevice splits a device topic into its id and leaf.
// ok is false for anything outside {prefix}/devices/{id}/{leaf}.
func (t Topics) ParseDevice(topic string) (id int64, leaf string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/devices/")
	if !found {
		return 0, "", false
	}
	idPart, leaf, found := strings.Cut(rest, "/")
	if !found || leaf == "" || strings.Contains(leaf, "/") {
		return 0, "", false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	return id, leaf, true
}
