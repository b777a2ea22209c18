package ha

import (
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/stratonas/middled/internal/auth/jwt"
	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/schema"
	"github.com/stratonas/middled/internal/session"
)

// RegisterMethods mounts the failover.* namespace. failover.auth is how the
// peer's supervisor authenticates its inbound link on this node.
func RegisterMethods(reg *registry.Registry, sup *Supervisor, jwtSvc *jwt.Service) error {
	methods := []*registry.Descriptor{
		{
			Name:    "failover.auth",
			NoAuth:  true,
			Kind:    registry.KindSimple,
			Private: true,
			Params: []schema.Param{
				{Name: "token", Schema: schema.Secret(schema.Str())},
			},
			Handler: func(c *registry.Call) (any, error) {
				token, _ := c.Params[0].(string)
				claims, err := jwtSvc.ValidateToken(token)
				if err != nil {
					return nil, errorx.Unauthorized()
				}
				c.Session.Authenticate(claims.Identity, session.CredentialToken, claims.Roles)
				return true, nil
			},
		},
		{
			Name:  "failover.status",
			Kind:  registry.KindSimple,
			Roles: []string{cnst.RoleFailover},
			Handler: func(c *registry.Call) (any, error) {
				return map[string]any{
					"connected":      sup.Connected(),
					"remote_version": sup.RemoteVersion(),
				}, nil
			},
		},
		{
			Name:     "failover.call_remote",
			Kind:     registry.KindSimple,
			Roles:    []string{cnst.RoleFailover},
			Blocking: true,
			Params: []schema.Param{
				{Name: "method", Schema: schema.Str()},
				{Name: "args", Schema: schema.Array(schema.Any()), Optional: true},
				{Name: "options", Schema: schema.Obj(map[string]*openapi3.Schema{
					"timeout":    schema.Num(),
					"job":        schema.Bool(),
					"job_return": schema.Bool(),
				}), Optional: true},
			},
			Handler: func(c *registry.Call) (any, error) {
				method, _ := c.Params[0].(string)
				args, _ := c.Params[1].([]any)
				opts := parseCallOptions(c.Params[2])
				return sup.CallRemote(c.Context, method, args, opts)
			},
		},
		{
			Name:          "failover.sendfile",
			Kind:          registry.KindJob,
			Roles:         []string{cnst.RoleFailover},
			Audit:         registry.AuditRedacted,
			AuditTemplate: `sent {{index .Params 1}} to peer`,
			Params: []schema.Param{
				{Name: "token", Schema: schema.Secret(schema.Str())},
				{Name: "local_path", Schema: schema.Str()},
				{Name: "remote_path", Schema: schema.Str()},
			},
			Handler: func(c *registry.Call) (any, error) {
				token, _ := c.Params[0].(string)
				local, _ := c.Params[1].(string)
				remote, _ := c.Params[2].(string)
				jobID, err := sup.SendFile(c.Context, token, local, remote)
				if err != nil {
					return nil, err
				}
				return jobID, nil
			},
		},
	}
	for _, m := range methods {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// parseCallOptions reads the options object of failover.call_remote.
func parseCallOptions(v any) CallOptions {
	var opts CallOptions
	m, _ := v.(map[string]any)
	if m == nil {
		return opts
	}
	if t, ok := m["timeout"].(float64); ok {
		opts.Timeout = time.Duration(t * float64(time.Second))
	}
	opts.Job, _ = m["job"].(bool)
	opts.JobReturn, _ = m["job_return"].(bool)
	return opts
}
