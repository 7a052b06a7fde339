// Package device is the directory of known vehicles.
//
// A vehicle is identified by its (device_name, client_ip) pair. Rows are
// created or refreshed by upsert, either from POST /api/devices/register or
// as a best-effort side effect of a socket connection enrolling in a device
// room. The directory is informational: commands may target device ids that
// have no row here.
package device
