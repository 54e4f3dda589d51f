// Package callback locates omega instances and asks them to run compensations.
package callback

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
)

// ErrNoCallback means no live instance of the service is registered.
var ErrNoCallback = commonerrors.New(commonerrors.CodeNoCallback, "no live omega instance")

// Omega is a registered participant instance and the address it serves
// compensations on.
type Omega struct {
	ServiceName string    `json:"serviceName"`
	InstanceID  string    `json:"instanceId"`
	Address     string    `json:"address"`
	SeenAt      time.Time `json:"seenAt"`
}

// Registry tracks live omega instances.
type Registry interface {
	Register(ctx context.Context, o Omega) error
	Deregister(ctx context.Context, service, instance string) error
	// Lookup returns the named instance, or the most recently seen live
	// instance of the same service when it is gone.
	Lookup(ctx context.Context, service, instance string) (Omega, error)
}

type omegaKey struct {
	service  string
	instance string
}

// MemoryRegistry keeps registrations in process.
type MemoryRegistry struct {
	omegas *xsync.MapOf[omegaKey, Omega]
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryRegistry creates a registry; a zero ttl keeps entries forever.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		omegas: xsync.NewMapOf[omegaKey, Omega](),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, o Omega) error {
	if o.SeenAt.IsZero() {
		o.SeenAt = r.now()
	}
	r.omegas.Store(omegaKey{service: o.ServiceName, instance: o.InstanceID}, o)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service, instance string) error {
	r.omegas.Delete(omegaKey{service: service, instance: instance})
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, service, instance string) (Omega, error) {
	now := r.now()
	if o, ok := r.omegas.Load(omegaKey{service: service, instance: instance}); ok && alive(o, now, r.ttl) {
		return o, nil
	}

	var (
		best  Omega
		found bool
	)
	r.omegas.Range(func(k omegaKey, o Omega) bool {
		if k.service == service && alive(o, now, r.ttl) && (!found || o.SeenAt.After(best.SeenAt)) {
			best, found = o, true
		}
		return true
	})
	if !found {
		return Omega{}, ErrNoCallback
	}
	return best, nil
}

func alive(o Omega, now time.Time, ttl time.Duration) bool {
	return ttl <= 0 || now.Sub(o.SeenAt) <= ttl
}
