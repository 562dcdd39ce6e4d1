package starbind

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"go.starlark.net/starlark"

	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/section"
)

// interfaceToStarlarkValue converts a value returned by the scanner or the
// remote client into a starlark.Value.
func (env *Env) interfaceToStarlarkValue(v interface{}) starlark.Value {
	switch v := v.(type) {
	case uint8:
		return starlark.MakeUint64(uint64(v))
	case uint16:
		return starlark.MakeUint64(uint64(v))
	case uint32:
		return starlark.MakeUint64(uint64(v))
	case uint64:
		return starlark.MakeUint64(v)
	case uint:
		return starlark.MakeUint64(uint64(v))
	case int8:
		return starlark.MakeInt64(int64(v))
	case int16:
		return starlark.MakeInt64(int64(v))
	case int32:
		return starlark.MakeInt64(int64(v))
	case int64:
		return starlark.MakeInt64(v)
	case int:
		return starlark.MakeInt(v)
	case bool:
		return starlark.Bool(v)
	case float64:
		return starlark.Float(v)
	case string:
		return starlark.String(v)
	case time.Duration:
		return starlark.String(v.String())
	case scan.Value:
		return valueToStarlark(v)
	case scan.Kind, scan.CompareKind, scan.Pass, section.Protection:
		return starlark.String(fmt.Sprint(v))
	case nil:
		return starlark.None
	case error:
		return starlark.String(v.Error())
	default:
		vval := reflect.ValueOf(v)
		switch vval.Type().Kind() {
		case reflect.Ptr:
			if vval.IsNil() {
				return starlark.None
			}
			vval = vval.Elem()
			if vval.Type().Kind() == reflect.Struct {
				return structAsStarlarkValue{vval, env}
			}
		case reflect.Struct:
			return structAsStarlarkValue{vval, env}
		case reflect.Slice:
			return sliceAsStarlarkValue{vval, env}
		}
		return starlark.String(fmt.Sprintf("%v", v))
	}
}

// valueToStarlark converts a scanned value to the natural starlark type of
// its kind.
func valueToStarlark(v scan.Value) starlark.Value {
	switch v.Kind() {
	case scan.Int8, scan.Int16, scan.Int32, scan.Int64:
		return starlark.MakeInt64(v.Int())
	case scan.UInt8, scan.UInt16, scan.UInt32, scan.UInt64:
		return starlark.MakeUint64(v.Uint())
	case scan.Float32, scan.Float64:
		return starlark.Float(v.Float())
	case scan.CString:
		return starlark.String(v.Text())
	case scan.ByteArray:
		return starlark.Bytes(v.Bytes())
	}
	return starlark.None
}

// starlarkToValue converts x to a value of kind k. Numbers and strings go
// through scan.ParseValue, so the same range checks apply as on the
// command line; bytes are taken verbatim.
func starlarkToValue(k scan.Kind, x starlark.Value) (scan.Value, error) {
	switch x := x.(type) {
	case starlark.Int:
		return scan.ParseValue(k, x.String())
	case starlark.Float:
		return scan.ParseValue(k, strconv.FormatFloat(float64(x), 'g', -1, 64))
	case starlark.String:
		return scan.ParseValue(k, string(x))
	case starlark.Bytes:
		switch k {
		case scan.ByteArray:
			return scan.PatternValue([]byte(x)), nil
		case scan.CString:
			return scan.StringValue(string(x)), nil
		}
	}
	return scan.Value{}, fmt.Errorf("%w: cannot use %s as %s", scan.ErrTypeMismatch, x.Type(), k)
}

// operandsToValues converts the operands argument of a scan builtin: None,
// a single value, or a list or tuple of values.
func operandsToValues(k scan.Kind, x starlark.Value) ([]scan.Value, error) {
	var items []starlark.Value
	switch x := x.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case *starlark.List:
		for i := 0; i < x.Len(); i++ {
			items = append(items, x.Index(i))
		}
	case starlark.Tuple:
		items = x
	default:
		items = []starlark.Value{x}
	}
	r := make([]scan.Value, len(items))
	for i := range items {
		v, err := starlarkToValue(k, items[i])
		if err != nil {
			return nil, err
		}
		r[i] = v
	}
	return r, nil
}

// sliceAsStarlarkValue converts a reflect.Value containing a slice
// into a starlark value.
type sliceAsStarlarkValue struct {
	v   reflect.Value
	env *Env
}

var _ starlark.Indexable = sliceAsStarlarkValue{}
var _ starlark.Sequence = sliceAsStarlarkValue{}

func (v sliceAsStarlarkValue) Freeze() {
}

func (v sliceAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v sliceAsStarlarkValue) String() string {
	return fmt.Sprintf("%v", v.v.Interface())
}

func (v sliceAsStarlarkValue) Truth() starlark.Bool {
	return v.v.Len() != 0
}

func (v sliceAsStarlarkValue) Type() string {
	return v.v.Type().String()
}

func (v sliceAsStarlarkValue) Index(i int) starlark.Value {
	if i >= v.v.Len() {
		return nil
	}
	return v.env.interfaceToStarlarkValue(v.v.Index(i).Interface())
}

func (v sliceAsStarlarkValue) Len() int {
	return v.v.Len()
}

func (v sliceAsStarlarkValue) Iterate() starlark.Iterator {
	return &sliceAsStarlarkValueIterator{0, v.v, v.env}
}

type sliceAsStarlarkValueIterator struct {
	cur int
	v   reflect.Value
	env *Env
}

func (it *sliceAsStarlarkValueIterator) Done() {
}

func (it *sliceAsStarlarkValueIterator) Next(p *starlark.Value) bool {
	if it.cur >= it.v.Len() {
		return false
	}
	*p = it.env.interfaceToStarlarkValue(it.v.Index(it.cur).Interface())
	it.cur++
	return true
}

// structAsStarlarkValue exposes the exported fields of a Go struct as
// starlark attributes.
type structAsStarlarkValue struct {
	v   reflect.Value
	env *Env
}

var _ starlark.HasAttrs = structAsStarlarkValue{}

func (v structAsStarlarkValue) Freeze() {
}

func (v structAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("not hashable")
}

func (v structAsStarlarkValue) String() string {
	if s, ok := v.v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%+v", v.v.Interface())
}

func (v structAsStarlarkValue) Truth() starlark.Bool {
	return true
}

func (v structAsStarlarkValue) Type() string {
	return v.v.Type().String()
}

func (v structAsStarlarkValue) Attr(name string) (starlark.Value, error) {
	f, ok := v.v.Type().FieldByName(name)
	if !ok || !f.IsExported() {
		return starlark.None, fmt.Errorf("no field named %q in %s", name, v.v.Type())
	}
	return v.env.interfaceToStarlarkValue(v.v.FieldByIndex(f.Index).Interface()), nil
}

func (v structAsStarlarkValue) AttrNames() []string {
	typ := v.v.Type()
	r := make([]string, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).IsExported() {
			r = append(r, typ.Field(i).Name)
		}
	}
	return r
}

// toAddress accepts an address as an int or as a string in any base
// strconv understands ("0x7ffe1000").
func toAddress(x starlark.Value) (uint64, error) {
	switch x := x.(type) {
	case starlark.Int:
		if a, ok := x.Uint64(); ok {
			return a, nil
		}
	case starlark.String:
		if a, err := strconv.ParseUint(string(x), 0, 64); err == nil {
			return a, nil
		}
	}
	return 0, fmt.Errorf("invalid address %s", x)
}
