package docstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Query selects documents from one collection. The zero Query returns every
// document in creation order.
type Query struct {
	Where   []Filter `json:"where,omitempty"`
	OrderBy string   `json:"orderBy,omitempty"`
	Desc    bool     `json:"desc,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Filter returns a copy of q with an additional where clause.
func (q Query) Filter(field string, op Op, value any) Query {
	q.Where = append(append([]Filter{}, q.Where...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) normalized() (Query, error) {
	if q.Limit < 0 {
		return q, fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	out := q
	out.Where = make([]Filter, 0, len(q.Where))
	for _, f := range q.Where {
		if f.Field == "" {
			return q, fmt.Errorf("%w: empty field", ErrInvalidQuery)
		}
		switch f.Op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpArrayContains:
		case OpIn:
			if _, ok := f.Value.([]any); !ok && reflect.ValueOf(f.Value).Kind() != reflect.Slice {
				return q, fmt.Errorf("%w: %q requires a list", ErrInvalidQuery, f.Op)
			}
		default:
			return q, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
		}
		v, err := normalizeValue(f.Value)
		if err != nil {
			return q, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		f.Value = v
		out.Where = append(out.Where, f)
	}
	return out, nil
}

func lookupField(d Data, field string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (q Query) matches(d Document) bool {
	for _, f := range q.Where {
		v, ok := lookupField(d.Data, f.Field)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(v, f.Value) {
				return false
			}
		case OpNotEqual:
			if reflect.DeepEqual(v, f.Value) {
				return false
			}
		case OpIn:
			list, _ := f.Value.([]any)
			if !containsValue(list, v) {
				return false
			}
		case OpArrayContains:
			list, ok := v.([]any)
			if !ok || !containsValue(list, f.Value) {
				return false
			}
		default:
			c, ok := compareValues(v, f.Value)
			if !ok {
				return false
			}
			switch f.Op {
			case OpLess:
				ok = c < 0
			case OpLessEqual:
				ok = c <= 0
			case OpGreater:
				ok = c > 0
			case OpGreaterEqual:
				ok = c >= 0
			}
			if !ok {
				return false
			}
		}
	}
	if q.OrderBy != "" {
		if _, ok := lookupField(d.Data, q.OrderBy); !ok {
			return false
		}
	}
	return true
}

// apply filters, orders and limits docs. docs must already be in Seq order.
func (q Query) apply(docs []Document) []Document {
	out := docs[:0:0]
	for _, d := range docs {
		if q.matches(d) {
			out = append(out, d)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := lookupField(out[i].Data, q.OrderBy)
			b, _ := lookupField(out[j].Data, q.OrderBy)
			c := compareOrdered(a, b)
			if q.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
			return out[i].Seq < out[j].Seq
		})
	} else if q.Desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// typeRank orders mixed-type values: null, bool, number, string, other.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

func compareOrdered(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	c, _ := compareValues(a, b)
	return c
}
