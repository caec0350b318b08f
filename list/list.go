// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package list provides an intrusive doubly linked list.
//
// An Elem is meant to be embedded inside some other memory (a struct or
// raw bytes reinterpreted as a struct). The list never allocates: it only
// links Elems together. A List has a head and a tail sentinel, so
// inserting and removing never needs to special case the list ends.
// A List must not be copied after Init.
package list

// Elem is a list node. The zero value is an unlinked element.
type Elem struct {
	prev *Elem
	next *Elem
}

// List is a doubly linked list with head and tail sentinels.
type List struct {
	head Elem
	tail Elem
}

// Init initialises l as an empty list.
func (l *List) Init() {
	l.head.prev = nil
	l.head.next = &l.tail
	l.tail.prev = &l.head
	l.tail.next = nil
}

// Begin returns the first element in l, or End() if l is empty.
func (l *List) Begin() *Elem { return l.head.next }

// End returns the tail sentinel of l.
// It is used as the iteration stop marker and must not be removed.
func (l *List) End() *Elem { return &l.tail }

// Empty returns true if l holds no elements.
func (l *List) Empty() bool { return l.head.next == &l.tail }

// Len walks l and returns the number of elements.
func (l *List) Len() int {
	n := 0
	for e := l.Begin(); e != l.End(); e = e.Next() {
		n++
	}
	return n
}

// PushBack appends e to the end of l.
// e must not be on any list.
func (l *List) PushBack(e *Elem) {
	e.insertBefore(&l.tail)
}

// PushFront inserts e at the beginning of l.
func (l *List) PushFront(e *Elem) {
	e.insertBefore(l.head.next)
}

// insertBefore links e just before before.
func (e *Elem) insertBefore(before *Elem) {
	e.prev = before.prev
	e.next = before
	before.prev.next = e
	before.prev = e
}

// Next returns the element following e.
// For the last element it returns the list End().
func (e *Elem) Next() *Elem { return e.next }

// Prev returns the element preceding e.
func (e *Elem) Prev() *Elem { return e.prev }

// Linked returns true if e looks like it belongs to a list.
func (e *Elem) Linked() bool { return e.next != nil && e.prev != nil }

// Remove unlinks e from whatever list currently holds it and returns the
// element that followed it. e is left unlinked.
func (e *Elem) Remove() *Elem {
	next := e.next
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
	return next
}
