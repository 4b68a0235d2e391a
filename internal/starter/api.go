package starter

import (
	"context"

	"moff.io/moff-vault/internal/config"
)

type Startable interface {
	Start(ctx context.Context)
}

type Configurable interface {
	Apply(*config.Configuration)
}

type Stopable interface {
	Stop()
}

// Start applies the configuration to configurable elements, then starts them in order.
func Start(ctx context.Context, c *config.Configuration, elems ...Startable) {
	for _, ele := range elems {
		if configurable, ok := ele.(Configurable); ok && c != nil {
			configurable.Apply(c)
		}
		ele.Start(ctx)
	}
}

// Stop stops elements in reverse order.
func Stop(elems ...Stopable) {
	for i := len(elems) - 1; i >= 0; i-- {
		elems[i].Stop()
	}
}
