package dispatcher

import (
	"time"

	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/auth"
	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/schema"
	"github.com/stratonas/middled/internal/session"
)

// registerAuthMethods mounts the auth.* namespace.
func (d *Dispatcher) registerAuthMethods() error {
	methods := []*registry.Descriptor{
		{
			Name:          "auth.login",
			NoAuth:        true,
			Kind:          registry.KindSimple,
			Audit:         registry.AuditRedacted,
			AuditTemplate: `{{index .Params 0}} logged in`,
			Params: []schema.Param{
				{Name: "username", Schema: schema.Str()},
				{Name: "password", Schema: schema.Secret(schema.Str())},
				{Name: "otp", Schema: schema.Secret(schema.Str()), Optional: true},
			},
			RateLimit: &registry.RateLimit{Calls: 20, Per: time.Minute},
			Handler:   d.authLogin,
		},
		{
			Name:          "auth.login_with_api_key",
			NoAuth:        true,
			Kind:          registry.KindSimple,
			Audit:         registry.AuditRedacted,
			AuditTemplate: `api key login`,
			Params: []schema.Param{
				{Name: "key", Schema: schema.Secret(schema.Str())},
			},
			RateLimit: &registry.RateLimit{Calls: 20, Per: time.Minute},
			Handler:   d.authLoginAPIKey,
		},
		{
			Name: "auth.token",
			Kind: registry.KindSimple,
			Params: []schema.Param{
				{Name: "job_id", Schema: schema.Int(), Optional: true, Default: int64(0)},
				{Name: "path", Schema: schema.Enum("upload", "download"), Optional: true, Default: "upload"},
			},
			Handler: d.authToken,
		},
		{
			Name:    "auth.logout",
			Kind:    registry.KindSimple,
			Handler: d.authLogout,
		},
		{
			Name:    "auth.me",
			Kind:    registry.KindSimple,
			Handler: d.authMe,
		},
		{
			Name:  "auth.sessions",
			Kind:  registry.KindFilterable,
			Roles: []string{cnst.RoleReadonly},
			Params: []schema.Param{
				{Name: "filters", Schema: schema.Array(schema.Any()), Optional: true},
				{Name: "options", Schema: schema.QueryOptions(), Optional: true},
			},
			Handler: d.coreSessions,
		},
	}
	for _, m := range methods {
		if err := d.reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) authLogin(c *registry.Call) (any, error) {
	username, _ := c.Params[0].(string)
	password, _ := c.Params[1].(string)
	otp := ""
	if len(c.Params) > 2 {
		otp, _ = c.Params[2].(string)
	}

	ident, err := d.auth.VerifyPassword(c.Context, username, password, otp)
	if err != nil {
		return nil, err
	}
	c.Session.Authenticate(ident.Name, session.CredentialPassword, ident.Roles)
	d.logger.Info("session authenticated",
		zap.String("session", c.Session.ID),
		zap.String("identity", ident.Name))
	return true, nil
}

func (d *Dispatcher) authLoginAPIKey(c *registry.Call) (any, error) {
	key, _ := c.Params[0].(string)
	ident, err := d.auth.VerifyAPIKey(c.Context, key)
	if err != nil {
		return nil, err
	}
	c.Session.Authenticate(ident.Name, session.CredentialAPIKey, ident.Roles)
	d.logger.Info("session authenticated by api key",
		zap.String("session", c.Session.ID),
		zap.String("identity", ident.Name))
	return true, nil
}

// authToken mints a one-shot sidecar token bound to a job id and path.
func (d *Dispatcher) authToken(c *registry.Call) (any, error) {
	jobID := toInt64(c.Params[0])
	path, _ := c.Params[1].(string)
	if path == "download" && jobID == 0 {
		return nil, errorx.Validation("download tokens require a job_id", nil)
	}
	token, err := d.tokens.Generate(auth.TransferClaims{
		JobID:    jobID,
		Path:     path,
		Identity: c.Session.Identity(),
	})
	if err != nil {
		return nil, errorx.Internal(err)
	}
	return token, nil
}

func (d *Dispatcher) authLogout(c *registry.Call) (any, error) {
	c.Session.Logout()
	return true, nil
}

func (d *Dispatcher) authMe(c *registry.Call) (any, error) {
	return c.Session.Snapshot(), nil
}
