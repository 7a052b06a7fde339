// Package registry tracks live connections and the device rooms they are
// enrolled in.
//
// A Connection is one transport session (an operator UI or vehicle firmware).
// It may be enrolled in at most one Device Room at a time; enrolling in a new
// room moves it out of the old one. Publish reaches exactly the members of one
// room, Broadcast reaches every live connection whether enrolled or not.
//
// # Locking
//
// Each room has its own mutex, so membership changes and publishes for one
// device never contend with another device. Locks are always taken in the
// order connection -> room -> registry, and no lock is held while a message
// is being delivered. Delivery to each connection is bounded by the configured
// delivery timeout; a connection that reports ErrConnClosed is dropped.
//
// # Usage
//
//	reg := registry.New(registry.Options{DeliveryTimeout: 2 * time.Second})
//	reg.SetLogger(log)
//	_ = reg.OnConnect(conn)
//	_ = reg.Enroll(ctx, conn.ID(), 7, "rover-7")
//	res := reg.Publish(ctx, 7, "execute_movement", payload)
//	defer reg.Close()
package registry
