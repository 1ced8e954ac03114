package dispatch

import "reflect"

type subscription struct {
	id       int
	selector func(State) any
	onChange func(any)
	last     any
}

// Subscribe registers a selector over the state. onChange runs after a
// dispatch whose selected value is not shallowly equal to the previous one.
// Callbacks run on the dispatching goroutine and must not dispatch
// synchronously.
func (d *Dispatcher) Subscribe(selector func(State) any, onChange func(any)) (cancel func()) {
	sub := &subscription{selector: selector, onChange: onChange, last: selector(d.State())}
	d.subsMu.Lock()
	d.nextSub++
	sub.id = d.nextSub
	d.subs = append(d.subs, sub)
	d.subsMu.Unlock()

	return func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		for i, s := range d.subs {
			if s.id == sub.id {
				d.subs = removeAt(d.subs, i)
				return
			}
		}
	}
}

// Select is the typed form of Subscribe.
func Select[V any](d *Dispatcher, selector func(State) V, onChange func(V)) (cancel func()) {
	return d.Subscribe(
		func(s State) any { return selector(s) },
		func(v any) { onChange(v.(V)) },
	)
}

func (d *Dispatcher) notify() {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	s := d.State()
	d.subsMu.Lock()
	subs := append([]*subscription(nil), d.subs...)
	d.subsMu.Unlock()

	for _, sub := range subs {
		v := sub.selector(s)
		if ShallowEqual(sub.last, v) {
			continue
		}
		sub.last = v
		sub.onChange(v)
	}
}

// ShallowEqual compares values field by field, treating slices, maps and
// pointers as equal only when they share the same backing storage. Since
// the reducer never mutates in place, an untouched slice keeps its identity.
func ShallowEqual(a, b any) bool {
	return identical(reflect.ValueOf(a), reflect.ValueOf(b))
}

func identical(a, b reflect.Value) bool {
	if !a.IsValid() || !b.IsValid() {
		return a.IsValid() == b.IsValid()
	}
	if a.Type() != b.Type() {
		return false
	}
	switch a.Kind() {
	case reflect.Slice:
		return a.Len() == b.Len() && (a.Len() == 0 || a.Pointer() == b.Pointer())
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return a.Pointer() == b.Pointer()
	case reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() == b.IsNil()
		}
		return identical(a.Elem(), b.Elem())
	case reflect.Struct:
		for i := range a.NumField() {
			if !identical(a.Field(i), b.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Array:
		for i := range a.Len() {
			if !identical(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	}
	return a.Equal(b)
}
