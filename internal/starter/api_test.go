package starter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"moff.io/moff-vault/internal/config"
)

type element struct {
	name    string
	trace   *[]string
	applied *config.Configuration
}

func (e *element) Start(context.Context) { *e.trace = append(*e.trace, "start "+e.name) }
func (e *element) Stop() { *e.trace = append(*e.trace, "stop "+e.name) }
func (e *element) Apply(c *config.Configuration) { e.applied = c }

func TestStartAndStopOrder(t *testing.T) {
	var trace []string
	a := &element{name: "a", trace: &trace}
	b := &element{name: "b", trace: &trace}
	c := &config.Configuration{LogLevel: "debug"}

	Start(context.Background(), c, a, b)
	Stop(a, b)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, trace)
	assert.Same(t, c, a.applied)
}
