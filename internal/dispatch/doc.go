// Package dispatch turns movement, obstacle, sequence and status requests
// into ledger entries and pushes.
//
// Every operation follows the same order: validate against the catalog,
// persist through the eventlog.Gateway, then push through the Publisher.
// Nothing is pushed when validation or persistence fails. Push delivery
// counts are informational; a device with no live connection is normal.
//
// Operations never return Go errors for expected failures. They return a
// Result whose Kind says what went wrong and whose Error is the message
// shown to the caller.
//
// Optional collaborators (a firmware Mirror, Telemetry, a StatusCache) are
// called after the push. Their failures are logged and otherwise ignored.
package dispatch
