// Package geo resolves request IP addresses to the coarse location facts
// denormalized onto session and event rows.
package geo

import (
	"context"
	"net"
	"sync"
)

// Location is the geo context attached to a hit. Zero values mean the
// resolver could not place the address.
type Location struct {
	Country string // ISO 3166-1 alpha-2
	Region  string
	City    string
}

// Resolver maps an IP address to a location. Implementations must be
// safe for concurrent use; ingestion calls them from parallel event
// handlers.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (Location, error)
}

// NoopResolver resolves every address to an empty location. Used when no
// geo database is configured; events are still recorded, just without
// geo facts.
type NoopResolver struct{}

// Resolve always returns the empty location.
func (NoopResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	return Location{}, nil
}

// StaticResolver resolves addresses from a fixed CIDR table. Used in
// tests and small self-hosted deployments that ship a hand-maintained
// range list instead of a commercial geo database.
type StaticResolver struct {
	mu     sync.RWMutex
	ranges []staticRange
}

type staticRange struct {
	network  *net.IPNet
	location Location
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{}
}

// AddRange registers a CIDR with its location. Invalid CIDRs are
// reported to the caller.
func (r *StaticResolver) AddRange(cidr string, loc Location) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = append(r.ranges, staticRange{network: network, location: loc})
	return nil
}

// Resolve returns the location of the first matching range, or the empty
// location when no range matches or the address is unparseable.
func (r *StaticResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rng := range r.ranges {
		if rng.network.Contains(parsed) {
			return rng.location, nil
		}
	}
	return Location{}, nil
}
