package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementMovement     = "movement"
	MeasurementObstacle     = "obstacle"
	MeasurementDeviceStatus = "device_status"
)

// WriteMovement records one dispatched movement command.
//
//	client.WriteMovement(7, "forward", 1, 1500, "web_rest")
func (c *Client) WriteMovement(deviceID int64, command string, statusClave, durationMs int, origin string) {
	c.enqueue(movementPoint(deviceID, command, statusClave, durationMs, origin, time.Now()))
}

// WriteObstacle records one obstacle report. distanceCm is nil when the
// report carried a status code instead of a measurement.
func (c *Client) WriteObstacle(deviceID int64, statusClave int, origin string, distanceCm *int) {
	c.enqueue(obstaclePoint(deviceID, statusClave, origin, distanceCm, time.Now()))
}

// WriteDeviceStatus records the scalar fields of a status report.
// Reports without any usable field are dropped.
func (c *Client) WriteDeviceStatus(deviceID int64, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	c.enqueue(statusPoint(deviceID, fields, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.enqueue(write.NewPoint(measurement, tags, fields, time.Now()))
}

func movementPoint(deviceID int64, command string, statusClave, durationMs int, origin string, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementMovement,
		map[string]string{
			"device_id": deviceTag(deviceID),
			"command":   command,
			"origin":    origin,
		},
		map[string]any{
			"status_clave": statusClave,
			"duration_ms":  durationMs,
		},
		at,
	)
}

func obstaclePoint(deviceID int64, statusClave int, origin string, distanceCm *int, at time.Time) *write.Point {
	fields := map[string]any{
		"status_clave": statusClave,
	}
	if distanceCm != nil {
		fields["distance_cm"] = *distanceCm
	}
	return write.NewPoint(
		MeasurementObstacle,
		map[string]string{
			"device_id": deviceTag(deviceID),
			"origin":    origin,
		},
		fields,
		at,
	)
}

func statusPoint(deviceID int64, fields map[string]any, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementDeviceStatus,
		map[string]string{"device_id": deviceTag(deviceID)},
		fields,
		at,
	)
}

func deviceTag(id int64) string {
	return strconv.FormatInt(id, 10)
}
