// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

// Package sets provides a minimal generic set.
package sets

// Set is a set of comparable items.
type Set[T comparable] map[T]struct{}

// New returns a Set containing items.
func New[T comparable](items ...T) Set[T] {
	s := make(Set[T], len(items))
	s.Insert(items...)
	return s
}

// Insert adds items to the set.
func (s Set[T]) Insert(items ...T) Set[T] {
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Delete removes items from the set.
func (s Set[T]) Delete(items ...T) Set[T] {
	for _, item := range items {
		delete(s, item)
	}
	return s
}

// Has reports whether item is in the set.
func (s Set[T]) Has(item T) bool {
	_, ok := s[item]
	return ok
}

// Len returns the size of the set.
func (s Set[T]) Len() int {
	return len(s)
}

// UnsortedList returns the items of the set in no particular order.
func (s Set[T]) UnsortedList() []T {
	l := make([]T, 0, len(s))
	for item := range s {
		l = append(l, item)
	}
	return l
}
