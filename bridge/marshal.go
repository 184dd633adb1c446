// File: bridge/marshal.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Value marshaling between api.Value and goja values. Numbers always cross
// as float64, so integer and float values are not distinguished after a
// round trip.

package bridge

import (
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/momentics/hioload-rpc/api"
)

// MaxDepth bounds nesting when converting script values; cyclic objects
// fail instead of recursing forever.
const MaxDepth = 128

// MaxElements bounds the array elements and object members converted from
// one script value, counted across every nesting level.
const MaxElements = 1 << 20

// ToJS converts v into a script value. Values outside the api.Value model
// are normalized first and become null when that fails.
func (b *Bridge) ToJS(v api.Value) goja.Value {
	n, err := api.Normalize(v)
	if err != nil {
		log.Warningf("marshal %T: %v", v, err)
		return goja.Null()
	}
	return b.toJS(n)
}

func (b *Bridge) toJS(v api.Value) goja.Value {
	switch x := v.(type) {
	case nil:
		return goja.Null()
	case []api.Value:
		items := make([]any, len(x))
		for i, e := range x {
			items[i] = b.toJS(e)
		}
		return b.vm.NewArray(items...)
	case map[string]api.Value:
		obj := b.vm.NewObject()
		for k, e := range x {
			// own data property, so keys such as __proto__ stay members
			_ = obj.DefineDataProperty(k, b.toJS(e), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE)
		}
		return obj
	default:
		return b.vm.ToValue(x)
	}
}

// FromJS converts a script value into an api.Value. undefined, functions
// and symbols become nil; arrays convert element-wise and other objects by
// their own enumerable keys. Dates become RFC 3339 strings. Values nested
// deeper than MaxDepth or holding more than MaxElements elements fail with
// ErrInvalidArgument.
func (b *Bridge) FromJS(v goja.Value) (api.Value, error) {
	budget := MaxElements
	return b.fromJS(v, 0, &budget)
}

// take reserves n elements from budget.
func take(budget *int, n int64) error {
	if n < 0 || n > int64(*budget) {
		return api.ErrInvalidArgument.WithContext("value", "too many elements")
	}
	*budget -= int(n)
	return nil
}

func (b *Bridge) fromJS(v goja.Value, depth int, budget *int) (api.Value, error) {
	if depth > MaxDepth {
		return nil, api.ErrInvalidArgument.WithContext("value", "nested too deeply")
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if _, ok := v.(*goja.Symbol); ok {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return api.Normalize(v.Export())
	}
	if _, fn := goja.AssertFunction(obj); fn {
		return nil, nil
	}

	switch obj.ClassName() {
	case "Array":
		length := obj.Get("length").ToInteger()
		if err := take(budget, length); err != nil {
			return nil, err
		}
		n := int(length)
		out := make([]api.Value, n)
		for i := 0; i < n; i++ {
			e, err := b.fromJS(obj.Get(strconv.Itoa(i)), depth+1, budget)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
	case "String", "Number", "Boolean":
		return api.Normalize(obj.Export())
	}

	keys := obj.Keys()
	if err := take(budget, int64(len(keys))); err != nil {
		return nil, err
	}
	out := make(map[string]api.Value, len(keys))
	for _, k := range keys {
		e, err := b.fromJS(obj.Get(k), depth+1, budget)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}
