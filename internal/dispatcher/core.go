package dispatcher

import (
	"context"
	"time"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/schema"
)

// jobWaitTimeout caps core.job_wait so a stuck job cannot pin a worker
// forever.
const jobWaitTimeout = 24 * time.Hour

// RegisterBuiltins mounts the core.* and auth.* method set. Must run
// before the registry is sealed.
func (d *Dispatcher) RegisterBuiltins() error {
	builtins := []*registry.Descriptor{
		{
			Name:   "core.ping",
			NoAuth: true,
			Kind:   registry.KindSimple,
			Handler: func(c *registry.Call) (any, error) {
				return "pong", nil
			},
		},
		{
			Name: "core.subscribe",
			Kind: registry.KindSimple,
			Params: []schema.Param{
				{Name: "name", Schema: schema.Str()},
				{Name: "filter", Schema: schema.Array(schema.Any()), Optional: true},
			},
			Handler: d.coreSubscribe,
		},
		{
			Name: "core.unsubscribe",
			Kind: registry.KindSimple,
			Params: []schema.Param{
				{Name: "id", Schema: schema.Str()},
			},
			Handler: d.coreUnsubscribe,
		},
		{
			Name:  "core.get_jobs",
			Kind:  registry.KindFilterable,
			Roles: []string{cnst.RoleJobRead},
			Params: []schema.Param{
				{Name: "filters", Schema: schema.Array(schema.Any()), Optional: true},
				{Name: "options", Schema: schema.QueryOptions(), Optional: true},
			},
			Handler: d.coreGetJobs,
		},
		{
			Name:     "core.job_wait",
			Kind:     registry.KindSimple,
			Roles:    []string{cnst.RoleJobRead},
			Blocking: true,
			Params: []schema.Param{
				{Name: "id", Schema: schema.Int()},
			},
			Handler: d.coreJobWait,
		},
		{
			Name:          "core.job_abort",
			Kind:          registry.KindSimple,
			Roles:         []string{cnst.RoleJobAbort},
			Audit:         registry.AuditRedacted,
			AuditTemplate: `{{.Identity}} aborted job {{index .Params 0}}`,
			Params: []schema.Param{
				{Name: "id", Schema: schema.Int()},
			},
			Handler: d.coreJobAbort,
		},
		{
			Name: "core.get_methods",
			Kind: registry.KindSimple,
			Handler: func(c *registry.Call) (any, error) {
				return d.methodCatalog(), nil
			},
		},
		{
			Name:  "core.sessions",
			Kind:  registry.KindFilterable,
			Roles: []string{cnst.RoleReadonly},
			Params: []schema.Param{
				{Name: "filters", Schema: schema.Array(schema.Any()), Optional: true},
				{Name: "options", Schema: schema.QueryOptions(), Optional: true},
			},
			Handler: d.coreSessions,
		},
	}

	for _, b := range builtins {
		if err := d.reg.Register(b); err != nil {
			return err
		}
	}
	return d.registerAuthMethods()
}

func (d *Dispatcher) coreSubscribe(c *registry.Call) (any, error) {
	name, _ := c.Params[0].(string)
	filter, err := parseFilterParam(c.Params, 1)
	if err != nil {
		return nil, err
	}
	id, err := d.subscribeGenerated(c.ConnID, name, filter)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (d *Dispatcher) coreUnsubscribe(c *registry.Call) (any, error) {
	id, _ := c.Params[0].(string)
	d.mu.Lock()
	st := d.conns[c.ConnID]
	d.mu.Unlock()
	if st != nil {
		d.unsubscribe(st.conn, id)
	}
	return nil, nil
}

func (d *Dispatcher) coreGetJobs(c *registry.Call) (any, error) {
	filter, opts, err := parseQueryParams(c.Params)
	if err != nil {
		return nil, err
	}
	rows, err := d.jobs.Query(filter, opts)
	if err != nil {
		return nil, err
	}
	if opts.Count {
		return len(rows), nil
	}
	if opts.Get {
		return rows[0], nil
	}
	return rows, nil
}

func (d *Dispatcher) coreJobWait(c *registry.Call) (any, error) {
	id := toInt64(c.Params[0])
	ctx, cancel := context.WithTimeout(c.Context, jobWaitTimeout)
	defer cancel()
	return d.jobs.Wait(ctx, id)
}

func (d *Dispatcher) coreJobAbort(c *registry.Call) (any, error) {
	return nil, d.jobs.Abort(toInt64(c.Params[0]))
}

func (d *Dispatcher) coreSessions(c *registry.Call) (any, error) {
	filter, opts, err := parseQueryParams(c.Params)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for _, sess := range d.sessions.List() {
		snap := sess.Snapshot()
		if filter.Match(snap) {
			rows = append(rows, snap)
		}
	}
	if opts.Count {
		return len(rows), nil
	}
	if opts.Get {
		if len(rows) == 0 {
			return nil, errorx.NotFound("no session matched the query")
		}
		return rows[0], nil
	}
	return rows, nil
}

// methodCatalog renders the public method list for core.get_methods.
func (d *Dispatcher) methodCatalog() []map[string]any {
	descs := d.reg.Methods(false)
	out := make([]map[string]any, 0, len(descs))
	for _, m := range descs {
		out = append(out, map[string]any{
			"name":    m.Name,
			"kind":    string(m.Kind),
			"roles":   m.Roles,
			"no_auth": m.NoAuth,
			"job":     m.Kind == registry.KindJob,
			"cli":     m.CLI,
			"params":  schema.ParamNames(m.Params),
		})
	}
	return out
}

// parseFilterParam reads an optional filter-list parameter.
func parseFilterParam(params []any, idx int) (filterx.Filter, error) {
	if idx >= len(params) || params[idx] == nil {
		return nil, nil
	}
	raw, ok := params[idx].([]any)
	if !ok {
		return nil, errorx.Validation("filter must be a list", nil)
	}
	return filterx.Parse(raw)
}

// parseQueryParams reads the (filters?, options?) pair shared by every
// filterable method.
func parseQueryParams(params []any) (filterx.Filter, filterx.Options, error) {
	filter, err := parseFilterParam(params, 0)
	if err != nil {
		return nil, filterx.Options{}, err
	}
	var opts filterx.Options
	if len(params) > 1 && params[1] != nil {
		raw, ok := params[1].(map[string]any)
		if !ok {
			return nil, filterx.Options{}, errorx.Validation("options must be an object", nil)
		}
		opts, err = filterx.ParseOptions(raw)
		if err != nil {
			return nil, filterx.Options{}, err
		}
	}
	return filter, opts, nil
}

// toInt64 normalizes JSON numerics to the job id type.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
