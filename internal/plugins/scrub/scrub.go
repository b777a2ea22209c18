// Package scrub is the pool.scrub.* job plugin. A scrub is a long-running,
// abortable job serialized per pool, and doubles as the reference workload
// for the job engine.
package scrub

import (
	"time"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/schema"
)

// steps is the number of progress increments a simulated scrub walks
// through. Each step sleeps stepDelay, so a full scrub takes about a second.
const (
	steps     = 20
	stepDelay = 50 * time.Millisecond
)

// queueDepth caps waiters per pool lock. A holder plus one queued scrub is
// enough; a third request is a caller bug.
const queueDepth = 1

// Register mounts the pool.scrub.* methods.
func Register(reg *registry.Registry) error {
	return reg.Register(&registry.Descriptor{
		Name:          "pool.scrub.scrub",
		Kind:          registry.KindJob,
		Roles:         []string{cnst.RolePoolScrub},
		Audit:         registry.AuditRedacted,
		AuditTemplate: `{{.Identity}} started scrub of pool {{index .Params 0}}`,
		CLI:           true,
		Abortable:     true,
		LockQueueSize: queueDepth,
		Params: []schema.Param{
			{Name: "pool", Schema: schema.Str()},
			{Name: "action", Schema: schema.Enum("START", "PAUSE", "STOP"), Optional: true, Default: "START"},
		},
		LockKey: func(params []any) string {
			pool, _ := params[0].(string)
			return "scrub-" + pool
		},
		Handler: run,
	})
}

func run(c *registry.Call) (any, error) {
	pool, _ := c.Params[0].(string)
	action, _ := c.Params[1].(string)

	if action != "START" {
		// PAUSE and STOP act on a running scrub, which the lock already
		// guarantees is not us.
		return nil, errorx.Validation("action "+action+" requires a running scrub", []string{"action"})
	}

	c.Logf("scrub of pool %s started", pool)
	for i := 1; i <= steps; i++ {
		if c.Aborted() {
			c.Logf("scrub of pool %s aborted at %d%%", pool, (i-1)*100/steps)
			return nil, c.Err()
		}
		time.Sleep(stepDelay)
		c.Progress(float64(i)*100/steps, "scanning "+pool, map[string]any{
			"blocks_done": i * 4096,
		})
	}
	c.Logf("scrub of pool %s finished", pool)

	return map[string]any{
		"pool":     pool,
		"errors":   0,
		"repaired": 0,
	}, nil
}
