package store

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/Masterminds/squirrel"
)

type field struct {
	column string
	index  []int
}

// Descriptor maps an entity type onto its table. It is resolved once, at
// registration time; per-operation code only consults the resolved
// capabilities. Optional capabilities (primary key, audit stamps) come
// from the struct shape, and an absent field simply leaves the capability
// disabled.
type Descriptor[E any] struct {
	table      string
	columns    []field
	key        []field
	keyColumns []string
	created    *field
	modified   *field
}

type describeConfig struct {
	keyColumns []string
}

type DescribeOption func(*describeConfig)

// WithKeyColumns names the key columns of a type whose struct declares no
// key field of its own. Lookups by key stay possible, but fetchless
// deletes are not.
func WithKeyColumns(columns ...string) DescribeOption {
	return func(c *describeConfig) {
		c.keyColumns = columns
	}
}

var timeType = reflect.TypeOf(time.Time{})

// Describe resolves the descriptor for E. Column names come from the db
// tag, falling back to snake_case of the field name. The primary key is
// the field named Id or ID, or any field carrying the pk tag option;
// time.Time fields named Created and ModifiedTime become audit stamps.
func Describe[E any](table string, opts ...DescribeOption) (*Descriptor[E], error) {
	t := reflect.TypeFor[E]()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity type %s is not a struct", t)
	}
	if table == "" {
		return nil, fmt.Errorf("table name is required for %s", t)
	}

	var cfg describeConfig
	for _, o := range opts {
		o(&cfg)
	}

	d := &Descriptor[E]{table: table}
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("db")
		if tag == "-" {
			continue
		}
		name, opt, _ := strings.Cut(tag, ",")
		if name == "" {
			name = snakeCase(sf.Name)
		}
		f := field{column: name, index: sf.Index}
		d.columns = append(d.columns, f)

		if opt == "pk" || sf.Name == "Id" || sf.Name == "ID" {
			d.key = append(d.key, f)
		}
		if sf.Name == "Created" && sf.Type == timeType {
			cf := f
			d.created = &cf
		}
		if sf.Name == "ModifiedTime" && sf.Type == timeType {
			mf := f
			d.modified = &mf
		}
	}
	if len(d.columns) == 0 {
		return nil, fmt.Errorf("entity type %s has no mapped columns", t)
	}

	for _, f := range d.key {
		d.keyColumns = append(d.keyColumns, f.column)
	}
	if len(d.keyColumns) == 0 {
		d.keyColumns = cfg.keyColumns
	}
	return d, nil
}

// MustDescribe is Describe for package-level registration; it panics on a
// malformed entity type.
func MustDescribe[E any](table string, opts ...DescribeOption) *Descriptor[E] {
	d, err := Describe[E](table, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor[E]) Table() string { return d.table }

// HasKeyField reports whether E declares a settable primary-key field.
func (d *Descriptor[E]) HasKeyField() bool { return len(d.key) > 0 }

// HasKeyColumns reports whether key lookups are possible at all.
func (d *Descriptor[E]) HasKeyColumns() bool { return len(d.keyColumns) > 0 }

// SelectColumns lists every mapped column in declaration order.
func (d *Descriptor[E]) SelectColumns() []string {
	out := make([]string, len(d.columns))
	for i, f := range d.columns {
		out[i] = f.column
	}
	return out
}

// Values maps an entity to column name → value, keys included.
func (d *Descriptor[E]) Values(e *E) map[string]any {
	v := reflect.ValueOf(e).Elem()
	out := make(map[string]any, len(d.columns))
	for _, f := range d.columns {
		out[f.column] = v.FieldByIndex(f.index).Interface()
	}
	return out
}

// NonKeyValues maps every non-key column, for update statements.
func (d *Descriptor[E]) NonKeyValues(e *E) map[string]any {
	out := d.Values(e)
	for _, f := range d.key {
		delete(out, f.column)
	}
	return out
}

// KeyOf reads the primary key of a loaded entity.
func (d *Descriptor[E]) KeyOf(e *E) (map[string]any, error) {
	if !d.HasKeyField() {
		return nil, ErrNoKey
	}
	v := reflect.ValueOf(e).Elem()
	out := make(map[string]any, len(d.key))
	for _, f := range d.key {
		out[f.column] = v.FieldByIndex(f.index).Interface()
	}
	return out, nil
}

// KeyPredicate binds positional key values to the key columns.
func (d *Descriptor[E]) KeyPredicate(keys ...any) (Predicate, error) {
	if !d.HasKeyColumns() {
		return nil, ErrNoKey
	}
	if len(keys) != len(d.keyColumns) {
		return nil, fmt.Errorf("%s expects %d key values, got %d", d.table, len(d.keyColumns), len(keys))
	}
	eq := squirrel.Eq{}
	for i, c := range d.keyColumns {
		eq[c] = keys[i]
	}
	return eq, nil
}

// NewWithKey builds an in-memory stub carrying only the primary key, so a
// delete can be staged without fetching the row first.
func (d *Descriptor[E]) NewWithKey(keys ...any) (*E, error) {
	if !d.HasKeyField() {
		return nil, ErrNoKey
	}
	if len(keys) != len(d.key) {
		return nil, fmt.Errorf("%s expects %d key values, got %d", d.table, len(d.key), len(keys))
	}
	e := new(E)
	v := reflect.ValueOf(e).Elem()
	for i, f := range d.key {
		fv := v.FieldByIndex(f.index)
		kv := reflect.ValueOf(keys[i])
		if !kv.Type().AssignableTo(fv.Type()) {
			if !kv.Type().ConvertibleTo(fv.Type()) {
				return nil, fmt.Errorf("key value %T is not assignable to column %s", keys[i], f.column)
			}
			kv = kv.Convert(fv.Type())
		}
		fv.Set(kv)
	}
	return e, nil
}

// StampCreated sets the Created field when the type declares one.
// Returns false, without error, when it does not.
func (d *Descriptor[E]) StampCreated(e *E, now time.Time) bool {
	return d.stamp(d.created, e, now)
}

// StampModified sets the ModifiedTime field when the type declares one.
func (d *Descriptor[E]) StampModified(e *E, now time.Time) bool {
	return d.stamp(d.modified, e, now)
}

func (d *Descriptor[E]) stamp(f *field, e *E, now time.Time) bool {
	if f == nil {
		return false
	}
	reflect.ValueOf(e).Elem().FieldByIndex(f.index).Set(reflect.ValueOf(now))
	return true
}

func snakeCase(s string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rs[i-1]) || (i+1 < len(rs) && unicode.IsLower(rs[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
