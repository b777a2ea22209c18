package filterx

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/stratonas/middled/internal/common/errorx"
)

// Term is a single predicate: [name, op, value] or ["OR", [filter, ...]].
type Term struct {
	Field string
	Op    string
	Value any

	// Or holds the alternatives of an OR conjunction; when non-nil the
	// other fields are unused.
	Or []Filter
}

// Filter is an ordered list of terms, combined with AND semantics.
type Filter []Term

// Options mirror the query options accepted alongside a filter list.
type Options struct {
	OrderBy []string       `json:"order_by,omitempty"`
	Offset  int            `json:"offset,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Get     bool           `json:"get,omitempty"`
	Count   bool           `json:"count,omitempty"`
	Prefix  string         `json:"prefix,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

var validOps = map[string]bool{
	"=": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"~": true, "in": true, "nin": true,
}

// Parse decodes a JSON-shaped filter list ([][3]any with optional OR nodes).
func Parse(raw []any) (Filter, error) {
	f := make(Filter, 0, len(raw))
	for i, el := range raw {
		triple, ok := el.([]any)
		if !ok {
			return nil, errorx.Validation(fmt.Sprintf("filter element %d is not a list", i), nil)
		}
		if len(triple) == 2 {
			name, _ := triple[0].(string)
			if strings.EqualFold(name, "OR") {
				alts, ok := triple[1].([]any)
				if !ok {
					return nil, errorx.Validation("OR branches must be a list of filters", nil)
				}
				term := Term{Op: "OR"}
				for _, alt := range alts {
					branch, ok := alt.([]any)
					if !ok {
						// A bare triple is accepted as a single-term branch.
						return nil, errorx.Validation("OR branch is not a filter list", nil)
					}
					// Branches may be a filter list or a single triple.
					var sub Filter
					var err error
					if len(branch) > 0 {
						if _, isList := branch[0].([]any); isList {
							sub, err = Parse(branch)
						} else {
							sub, err = Parse([]any{branch})
						}
					}
					if err != nil {
						return nil, err
					}
					term.Or = append(term.Or, sub)
				}
				f = append(f, term)
				continue
			}
		}
		if len(triple) != 3 {
			return nil, errorx.Validation(fmt.Sprintf("filter element %d must have 3 items", i), nil)
		}
		field, ok := triple[0].(string)
		if !ok {
			return nil, errorx.Validation(fmt.Sprintf("filter element %d: field name must be a string", i), nil)
		}
		op, ok := triple[1].(string)
		if !ok || !validOps[op] {
			return nil, errorx.Validation(fmt.Sprintf("filter element %d: invalid operator", i), nil)
		}
		f = append(f, Term{Field: field, Op: op, Value: triple[2]})
	}
	return f, nil
}

// ParseOptions decodes the options map accepted next to a filter list.
func ParseOptions(raw map[string]any) (Options, error) {
	var o Options
	for k, v := range raw {
		switch k {
		case "order_by":
			items, ok := v.([]any)
			if !ok {
				return o, errorx.Validation("order_by must be a list of field names", nil)
			}
			for _, it := range items {
				s, ok := it.(string)
				if !ok {
					return o, errorx.Validation("order_by entries must be strings", nil)
				}
				o.OrderBy = append(o.OrderBy, s)
			}
		case "offset":
			o.Offset = toInt(v)
		case "limit":
			o.Limit = toInt(v)
		case "get":
			o.Get, _ = v.(bool)
		case "count":
			o.Count, _ = v.(bool)
		case "prefix":
			o.Prefix, _ = v.(string)
		case "extra":
			o.Extra, _ = v.(map[string]any)
		default:
			return o, errorx.Validation(fmt.Sprintf("unknown query option %q", k), nil)
		}
	}
	return o, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// Sort orders rows in place by the order_by fields. A "-" prefix sorts
// that field descending; ties fall through to the next field.
func (o Options) Sort(rows []map[string]any) {
	if len(o.OrderBy) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, field := range o.OrderBy {
			desc := strings.HasPrefix(field, "-")
			name := strings.TrimPrefix(field, "-")
			c := compare(lookup(rows[i], name), lookup(rows[j], name))
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Split partitions the filter into a part expressible as SQL and a part
// that must be evaluated in memory. Regex terms land in the second bucket;
// the embedded SQLite build ships no REGEXP function.
func (f Filter) Split() (sqlPart, memPart Filter) {
	for _, t := range f {
		if t.needsMem() {
			memPart = append(memPart, t)
		} else {
			sqlPart = append(sqlPart, t)
		}
	}
	return sqlPart, memPart
}

func (t Term) needsMem() bool {
	if t.Or != nil {
		for _, branch := range t.Or {
			for _, sub := range branch {
				if sub.needsMem() {
					return true
				}
			}
		}
		return false
	}
	return t.Op == "~"
}

// Match evaluates the filter against a row, AND-ing all terms.
func (f Filter) Match(row map[string]any) bool {
	for _, t := range f {
		if !t.match(row) {
			return false
		}
	}
	return true
}

func (t Term) match(row map[string]any) bool {
	if t.Or != nil {
		for _, branch := range t.Or {
			if branch.Match(row) {
				return true
			}
		}
		return false
	}

	have := lookup(row, t.Field)
	switch t.Op {
	case "=":
		return compare(have, t.Value) == 0
	case "!=":
		return compare(have, t.Value) != 0
	case ">":
		return compare(have, t.Value) > 0
	case ">=":
		return compare(have, t.Value) >= 0
	case "<":
		return compare(have, t.Value) < 0
	case "<=":
		return compare(have, t.Value) <= 0
	case "~":
		pattern, ok := t.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		s, ok := have.(string)
		return ok && re.MatchString(s)
	case "in":
		return contains(t.Value, have)
	case "nin":
		return !contains(t.Value, have)
	}
	return false
}

// lookup resolves dotted paths into nested maps ("progress.percent").
func lookup(row map[string]any, field string) any {
	parts := strings.Split(field, ".")
	var cur any = row
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func contains(set any, v any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	for _, it := range items {
		if compare(it, v) == 0 {
			return true
		}
	}
	return false
}

// compare orders two scalars, coercing numerics to float64 the way JSON
// decoding does. Incomparable values compare as unequal.
func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		if ab == bb {
			return 0
		}
		if !ab {
			return -1
		}
		return 1
	}
	if a == nil && b == nil {
		return 0
	}
	if fmt.Sprint(a) == fmt.Sprint(b) {
		return 0
	}
	return -1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// SQL renders the filter as a gorm-compatible condition string plus
// positional arguments. Field names are restricted to identifier characters
// so user input can never splice into the query text.
func (f Filter) SQL() (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	for _, t := range f {
		clause, a, err := t.sql()
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, a...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (t Term) sql() (string, []any, error) {
	if t.Or != nil {
		var (
			parts []string
			args  []any
		)
		for _, branch := range t.Or {
			clause, a, err := branch.SQL()
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+clause+")")
			args = append(args, a...)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	}

	if !identRe.MatchString(t.Field) {
		return "", nil, errorx.Validation(fmt.Sprintf("invalid field name %q", t.Field), nil)
	}
	switch t.Op {
	case "=", "!=", ">", ">=", "<", "<=":
		op := t.Op
		if op == "!=" {
			op = "<>"
		}
		return fmt.Sprintf("%s %s ?", t.Field, op), []any{t.Value}, nil
	case "~":
		return "", nil, errorx.Validation(
			fmt.Sprintf("regex filter on %q cannot run in SQL; split it out with Split first", t.Field), nil)
	case "in":
		return fmt.Sprintf("%s IN ?", t.Field), []any{t.Value}, nil
	case "nin":
		return fmt.Sprintf("%s NOT IN ?", t.Field), []any{t.Value}, nil
	}
	return "", nil, errorx.Validation(fmt.Sprintf("invalid operator %q", t.Op), nil)
}
