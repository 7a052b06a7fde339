// Package catalog holds the fixed tables that give status_clave values their meaning.
//
// The movement table maps the eleven directional command names onto
// operational status codes. The obstacle table lists the codes a sensor
// report may carry. Both are built once at package init and never change,
// so every function here is safe for concurrent use without locking.
//
// The same rows are seeded into the op_status and obstacle_status tables by
// the migrations; the event log joins against them for descriptions.
package catalog
