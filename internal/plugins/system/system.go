// Package system exposes the no-auth version probe and basic host facts.
package system

import (
	"os"
	"runtime"
	"time"

	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/pkg/version"
)

var started = time.Now()

// Register mounts the system.* methods.
func Register(reg *registry.Registry) error {
	methods := []*registry.Descriptor{
		{
			Name:       "system.version",
			NoAuth:     true,
			CLI:        true,
			Idempotent: true,
			Kind:       registry.KindSimple,
			Handler: func(c *registry.Call) (any, error) {
				return version.Get(), nil
			},
		},
		{
			Name:       "system.info",
			NoAuth:     true,
			CLI:        true,
			Idempotent: true,
			Kind:       registry.KindSimple,
			Handler:    systemInfo,
		},
	}
	for _, m := range methods {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func systemInfo(c *registry.Call) (any, error) {
	hostname, _ := os.Hostname()
	return map[string]any{
		"version":        version.Get(),
		"hostname":       hostname,
		"platform":       runtime.GOOS + "/" + runtime.GOARCH,
		"cores":          runtime.NumCPU(),
		"uptime_seconds": int64(time.Since(started).Seconds()),
	}, nil
}
