// Package orderedmap provides a map that keeps the insertion order of its
// elements.
package orderedmap

import "container/list"

// Map is a map datastructure that allows accessing it's element in a
// fixed order.
type Map[K comparable, V any] struct {
	order   *list.List
	m       map[K]*list.Element
	zeroval V
}

type entry[K comparable, V any] struct {
	key K
	val V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		order: list.New(),
		m:     map[K]*list.Element{},
	}
}

// EnqueueIfNotExist appends val to the map if key does not exist.
func (m *Map[K, V]) EnqueueIfNotExist(key K, val V) (isFirst, added bool) {
	if _, exist := m.m[key]; exist {
		return false, false
	}

	m.m[key] = m.order.PushBack(&entry[K, V]{key: key, val: val})

	return m.order.Len() == 1, true
}

// Update replaces the value of key without changing its position.
// It returns false if the key does not exist.
func (m *Map[K, V]) Update(key K, val V) bool {
	e, exist := m.m[key]
	if !exist {
		return false
	}

	e.Value.(*entry[K, V]).val = val

	return true
}

// Get returns the value for the given key.
// If the key does not exist, the zero value is returned
func (m *Map[K, V]) Get(key K) V {
	e, exist := m.m[key]
	if !exist {
		return m.zeroval
	}

	return e.Value.(*entry[K, V]).val
}

// Dequeue removes the value with the key from the map and returns it.
// If the key does not exist in the map, the zero value is returned.
func (m *Map[K, V]) Dequeue(key K) (removedElem V) {
	e, exist := m.m[key]
	if !exist {
		return m.zeroval
	}
	delete(m.m, key)

	return m.order.Remove(e).(*entry[K, V]).val
}

// First returns the first element in the map.
// If the map is empty, the zero value is returned.
func (m *Map[K, V]) First() V {
	if e := m.order.Front(); e != nil {
		return e.Value.(*entry[K, V]).val
	}

	return m.zeroval
}

// Len returns the number of elements in the maps.
func (m *Map[K, V]) Len() int {
	return m.order.Len()
}

// Foreach iterates through the map in order.
// When fn returns false the iteration is aborted.
func (m *Map[K, V]) Foreach(fn func(K, V) bool) {
	for e := m.order.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry[K, V])
		if !fn(ent.key, ent.val) {
			return
		}
	}
}

// Keys returns the keys of the map in order.
func (m *Map[K, V]) Keys() []K {
	result := make([]K, 0, m.order.Len())

	for e := m.order.Front(); e != nil; e = e.Next() {
		result = append(result, e.Value.(*entry[K, V]).key)
	}

	return result
}

// AsSlice returns a new slice containing the elements of the orderedMap in
// order.
func (m *Map[K, V]) AsSlice() []V {
	result := make([]V, 0, m.order.Len())

	for e := m.order.Front(); e != nil; e = e.Next() {
		result = append(result, e.Value.(*entry[K, V]).val)
	}

	return result
}
