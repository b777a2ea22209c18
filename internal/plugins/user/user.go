// Package user is the account CRUD plugin. Queries go through the shared
// filter DSL, mutations are audited, and every change is published on the
// user.query stream.
package user

import (
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"golang.org/x/crypto/bcrypt"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/internal/datastore"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/schema"
)

// Plugin serves the user.* namespace.
type Plugin struct {
	store datastore.Store
}

// Register mounts the user.* methods.
func Register(reg *registry.Registry, store datastore.Store) error {
	p := &Plugin{store: store}

	methods := []*registry.Descriptor{
		{
			Name:       "user.query",
			Kind:       registry.KindFilterable,
			Roles:      []string{cnst.RoleAccountRead},
			CLI:        true,
			Idempotent: true,
			Params: []schema.Param{
				{Name: "filters", Schema: schema.Array(schema.Any()), Optional: true},
				{Name: "options", Schema: schema.QueryOptions(), Optional: true},
			},
			Handler: p.query,
		},
		{
			Name:          "user.create",
			Kind:          registry.KindSimple,
			Roles:         []string{cnst.RoleAccountWrite},
			Audit:         registry.AuditFull,
			AuditTemplate: `{{.Identity}} created user {{index .Params 0 "username"}}`,
			CLI:           true,
			Params: []schema.Param{
				{Name: "user_create", Schema: schema.Required(schema.Obj(map[string]*openapi3.Schema{
					"username": schema.Str(),
					"password": schema.Secret(schema.Str()),
					"roles":    schema.Array(schema.Str()),
					"locked":   schema.Bool(),
				}), "username", "password")},
			},
			Handler: p.create,
		},
		{
			Name:          "user.update",
			Kind:          registry.KindSimple,
			Roles:         []string{cnst.RoleAccountWrite},
			Audit:         registry.AuditFull,
			AuditTemplate: `{{.Identity}} updated user {{index .Params 0}}`,
			CLI:           true,
			Params: []schema.Param{
				{Name: "id", Schema: schema.Int()},
				{Name: "user_update", Schema: schema.Obj(map[string]*openapi3.Schema{
					"password": schema.Secret(schema.Str()),
					"roles":    schema.Array(schema.Str()),
					"locked":   schema.Bool(),
				})},
			},
			Handler: p.update,
		},
		{
			Name:          "user.delete",
			Kind:          registry.KindSimple,
			Roles:         []string{cnst.RoleAccountWrite},
			Audit:         registry.AuditRedacted,
			AuditTemplate: `{{.Identity}} deleted user {{index .Params 0}}`,
			CLI:           true,
			Params: []schema.Param{
				{Name: "id", Schema: schema.Int()},
			},
			Handler: p.delete,
		},
	}

	for _, m := range methods {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) query(c *registry.Call) (any, error) {
	filter, opts, err := parseQuery(c.Params)
	if err != nil {
		return nil, err
	}
	if opts.Count {
		n, err := p.store.Count(c, cnst.TableUsers, filter)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	rows, err := p.store.Query(c, cnst.TableUsers, filter, opts)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		sanitize(row)
	}
	if opts.Get {
		return rows[0], nil
	}
	return rows, nil
}

func (p *Plugin) create(c *registry.Call) (any, error) {
	spec, _ := c.Params[0].(map[string]any)
	username, _ := spec["username"].(string)
	password, _ := spec["password"].(string)

	if existing, err := p.store.Query(c, cnst.TableUsers,
		filterx.Filter{{Field: "username", Op: "=", Value: username}},
		filterx.Options{Limit: 1}); err == nil && len(existing) > 0 {
		return nil, errorx.Conflict("user %q already exists", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errorx.Internal(err)
	}

	now := time.Now().UTC()
	row := map[string]any{
		"username":      username,
		"password_hash": string(hash),
		"roles":         strings.Join(toStrings(spec["roles"]), ","),
		"locked":        spec["locked"] == true,
		"created_at":    now,
		"updated_at":    now,
	}
	id, err := p.store.Insert(c, cnst.TableUsers, row)
	if err != nil {
		return nil, err
	}

	c.SendEvent("user.query", cnst.MsgAdded, map[string]any{
		"id":       id,
		"username": username,
	})
	return id, nil
}

func (p *Plugin) update(c *registry.Call) (any, error) {
	id := toID(c.Params[0])
	spec, _ := c.Params[1].(map[string]any)

	if _, err := p.byID(c, id); err != nil {
		return nil, err
	}

	row := map[string]any{"updated_at": time.Now().UTC()}
	if password, ok := spec["password"].(string); ok {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errorx.Internal(err)
		}
		row["password_hash"] = string(hash)
	}
	if roles, ok := spec["roles"]; ok {
		row["roles"] = strings.Join(toStrings(roles), ",")
	}
	if locked, ok := spec["locked"].(bool); ok {
		row["locked"] = locked
	}

	if err := p.store.Update(c, cnst.TableUsers, id, row); err != nil {
		return nil, err
	}

	c.SendEvent("user.query", cnst.MsgChanged, map[string]any{"id": id})
	return id, nil
}

func (p *Plugin) delete(c *registry.Call) (any, error) {
	id := toID(c.Params[0])
	if _, err := p.byID(c, id); err != nil {
		return nil, err
	}
	if err := p.store.Delete(c, cnst.TableUsers, id); err != nil {
		return nil, err
	}
	c.SendEvent("user.query", cnst.MsgRemoved, map[string]any{"id": id})
	return true, nil
}

func (p *Plugin) byID(c *registry.Call, id int64) (map[string]any, error) {
	rows, err := p.store.Query(c, cnst.TableUsers,
		filterx.Filter{{Field: "id", Op: "=", Value: id}},
		filterx.Options{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errorx.NotFound("user %d does not exist", id)
	}
	return rows[0], nil
}

// sanitize strips credential material from a row before it leaves the
// datastore.
func sanitize(row map[string]any) {
	delete(row, "password_hash")
	delete(row, "otp_secret")
	if s, ok := row["roles"].(string); ok {
		row["roles"] = toStrings(s)
	}
	// SQLite scans booleans back as integers.
	switch v := row["locked"].(type) {
	case int64:
		row["locked"] = v != 0
	case float64:
		row["locked"] = v != 0
	}
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if list == "" {
			return nil
		}
		return strings.Split(list, ",")
	default:
		return nil
	}
}

func toID(v any) int64 {
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

func parseQuery(params []any) (filterx.Filter, filterx.Options, error) {
	var filter filterx.Filter
	if len(params) > 0 && params[0] != nil {
		raw, ok := params[0].([]any)
		if !ok {
			return nil, filterx.Options{}, errorx.Validation("filter must be a list", nil)
		}
		parsed, err := filterx.Parse(raw)
		if err != nil {
			return nil, filterx.Options{}, err
		}
		filter = parsed
	}
	var opts filterx.Options
	if len(params) > 1 && params[1] != nil {
		raw, ok := params[1].(map[string]any)
		if !ok {
			return nil, filterx.Options{}, errorx.Validation("options must be an object", nil)
		}
		parsed, err := filterx.ParseOptions(raw)
		if err != nil {
			return nil, filterx.Options{}, err
		}
		opts = parsed
	}
	return filter, opts, nil
}
