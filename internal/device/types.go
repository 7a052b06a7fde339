package device

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"
)

// UnknownIP is stored when the peer address cannot be determined.
const UnknownIP = "0.0.0.0"

// MaxNameLength is the longest accepted device name, in characters.
const MaxNameLength = 100

// Device is one row of the directory.
type Device struct {
	ID        int64     `json:"id"`
	Name      string    `json:"device_name"`
	ClientIP  string    `json:"client_ip"`
	Country   *string   `json:"country"`
	City      *string   `json:"city"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertParams describes a registration. Nil location fields leave any
// stored value untouched.
type UpsertParams struct {
	Name      string
	ClientIP  string
	Country   *string
	City      *string
	Latitude  *float64
	Longitude *float64
}

// Validate normalises the params in place and checks them.
func (p *UpsertParams) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	switch n := utf8.RuneCountInString(p.Name); {
	case n == 0:
		return fmt.Errorf("%w: name is blank", ErrInvalidName)
	case n > MaxNameLength:
		return fmt.Errorf("%w: %d characters, limit %d", ErrInvalidName, n, MaxNameLength)
	}
	p.ClientIP = NormalizeIP(p.ClientIP)

	if err := checkRange("latitude", p.Latitude, 90); err != nil {
		return err
	}
	return checkRange("longitude", p.Longitude, 180)
}

func checkRange(field string, v *float64, limit float64) error {
	if v != nil && (*v < -limit || *v > limit) {
		return fmt.Errorf("%w: %s %g outside [-%g, %g]", ErrInvalidCoordinates, field, *v, limit, limit)
	}
	return nil
}

// NormalizeIP extracts the IP from an address that may carry a port and
// returns UnknownIP when nothing usable remains.
func NormalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return UnknownIP
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return UnknownIP
	}
	return ip.Unmap().String()
}
