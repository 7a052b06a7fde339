// Package statuscache keeps the last status report of each vehicle in Redis.
//
// Status reports arrive over the socket (device_status) or from firmware on
// MQTT. They are not part of the event ledger; the cache only answers
// "what did device N last say" for GET /api/devices/{id}/status, and which
// devices reported recently. Entries expire after the configured TTL; a
// sorted-set index keyed by report time backs Reporting.
package statuscache
