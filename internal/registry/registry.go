package registry

import (
	"slices"
	"strings"

	"github.com/alphadose/haxmap"
)

// Registry is a concurrent name → value table. Names are case-insensitive.
type Registry[T any] interface {
	Get(name string) (T, bool)
	Add(name string, value T)
	GetOrAdd(name string, value func() T) (T, bool)
	Del(name string)
	Names() []string
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(key(name))
}

func (r *registry[T]) Add(name string, value T) {
	r.values.Set(key(name), value)
}

func (r *registry[T]) GetOrAdd(name string, valueFn func() T) (T, bool) {
	return r.values.GetOrCompute(key(name), valueFn)
}

func (r *registry[T]) Del(name string) {
	r.values.Del(key(name))
}

// Names returns the registered names in sorted order.
func (r *registry[T]) Names() []string {
	names := make([]string, 0, r.values.Len())
	r.values.ForEach(func(k string, _ T) bool {
		names = append(names, k)
		return true
	})
	slices.Sort(names)
	return names
}
