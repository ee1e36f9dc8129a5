package htsarrow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// reusableRegistry is a wrapper on top of a prometheus registry that allows
// metrics to be registered multiple times. Every engine registers the same
// metrics, so creating a second engine with the registerer of a first one
// replaces the first engine's collectors, which are reset to 0.
type reusableRegistry struct {
	internalReg prometheus.Registerer
}

var _ prometheus.Registerer = (*reusableRegistry)(nil)

func newReusableRegistry(reg prometheus.Registerer) *reusableRegistry {
	if r, ok := reg.(*reusableRegistry); ok {
		return r
	}
	return &reusableRegistry{internalReg: reg}
}

func (r *reusableRegistry) Register(c prometheus.Collector) error {
	err := r.internalReg.Register(c)
	var registered prometheus.AlreadyRegisteredError
	if !errors.As(err, &registered) {
		return err
	}
	_ = r.internalReg.Unregister(registered.ExistingCollector)
	return r.internalReg.Register(c)
}

func (r *reusableRegistry) MustRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *reusableRegistry) Unregister(c prometheus.Collector) bool {
	return r.internalReg.Unregister(c)
}
