// Package filesystem moves file contents through the upload and download
// sidecar. filesystem.put consumes an upload stream, filesystem.get feeds a
// download stream; both run as jobs so transfers survive slow peers.
package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/schema"
)

// copyChunk is the transfer unit between progress reports.
const copyChunk = 1 << 20

// Register mounts the filesystem.* methods.
func Register(reg *registry.Registry) error {
	methods := []*registry.Descriptor{
		{
			Name:          "filesystem.put",
			Kind:          registry.KindJob,
			Roles:         []string{cnst.RoleFileWrite},
			Audit:         registry.AuditRedacted,
			AuditTemplate: `{{.Identity}} wrote file {{index .Params 0}}`,
			Abortable:     true,
			Params: []schema.Param{
				{Name: "path", Schema: schema.Str()},
				{Name: "options", Schema: schema.Obj(map[string]*openapi3.Schema{
					"mode": schema.Int(),
				}), Optional: true},
			},
			Handler: put,
		},
		{
			Name:        "filesystem.get",
			Kind:        registry.KindJob,
			Roles:       []string{cnst.RoleFileRead},
			Abortable:   true,
			Idempotent:  true,
			WantsOutput: true,
			Params: []schema.Param{
				{Name: "path", Schema: schema.Str()},
			},
			Handler: get,
		},
	}
	for _, m := range methods {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func put(c *registry.Call) (any, error) {
	path, _ := c.Params[0].(string)
	if c.Pipes == nil || c.Pipes.Input == nil {
		return nil, errorx.Validation("filesystem.put must be called through the upload endpoint", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errorx.Internal(err)
	}

	// Write to a sibling temp file and rename, so a broken upload never
	// leaves a truncated target.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, errorx.Internal(err)
	}
	defer os.Remove(tmp.Name())

	written, err := copyStream(c, tmp, c.Pipes.Input)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errorx.Internal(err)
	}
	if opts, _ := c.Params[1].(map[string]any); opts != nil {
		if mode, ok := toMode(opts["mode"]); ok {
			if err := os.Chmod(tmp.Name(), mode); err != nil {
				return nil, errorx.Internal(err)
			}
		}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, errorx.Internal(err)
	}

	c.Logf("wrote %d bytes to %s", written, path)
	return written, nil
}

func get(c *registry.Call) (any, error) {
	path, _ := c.Params[0].(string)
	if c.Pipes == nil || c.Pipes.Output == nil {
		return nil, errorx.Validation("filesystem.get must be called through the download endpoint", nil)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errorx.NotFound("no such file: %s", path)
		}
		return nil, errorx.Internal(err)
	}
	defer f.Close()

	written, err := copyStream(c, c.Pipes.Output, f)
	if err != nil {
		return nil, errorx.Internal(err)
	}
	return written, nil
}

// copyStream copies in chunks, polling for abort between chunks.
func copyStream(c *registry.Call, dst io.Writer, src io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, copyChunk)
	for {
		if c.Aborted() {
			return total, c.Err()
		}
		n, err := io.CopyBuffer(dst, io.LimitReader(src, copyChunk), buf)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		c.Progress(0, fmt.Sprintf("%d bytes transferred", total), nil)
	}
}

// toMode reads a numeric mode option. JSON numbers arrive as float64.
func toMode(v any) (os.FileMode, bool) {
	switch n := v.(type) {
	case float64:
		return os.FileMode(int64(n)), true
	case int64:
		return os.FileMode(n), true
	case int:
		return os.FileMode(n), true
	default:
		return 0, false
	}
}
