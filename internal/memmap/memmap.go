// Package memmap translates guest-physical addresses into host pointers
// against the memory table most recently negotiated with the hypervisor.
// A translation pins the table it was served from; the table is only
// retired once every pin has been released, so an in-flight descriptor
// chain walk never observes a table out from under it.
package memmap

import (
	"sort"
	"sync/atomic"
	"unsafe"
)

// Region describes one contiguous guest-physical range and the host
// virtual range backing it, as negotiated by the (out-of-scope) vhost-user
// memory-table handshake.
type Region struct {
	GuestAddr uint64
	HostAddr  uintptr
	Size      uint64
}

func (r Region) contains(gpa uint64, length uint64) bool {
	if length == 0 {
		return gpa >= r.GuestAddr && gpa <= r.GuestAddr+r.Size
	}
	end := gpa + length
	if end < gpa {
		return false // overflow
	}
	return gpa >= r.GuestAddr && end <= r.GuestAddr+r.Size
}

// Table is one immutable, refcounted snapshot of the memory map.
type Table struct {
	regions   []Region // sorted by GuestAddr
	refcount  atomic.Int64
	retired   atomic.Bool
	idleFired atomic.Bool
	onIdle    func(*Table)
}

// newTable builds a Table with regions sorted for binary search.
func newTable(regions []Region) *Table {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GuestAddr < sorted[j].GuestAddr })
	t := &Table{regions: sorted}
	t.refcount.Store(1) // the Map itself holds one reference while current
	return t
}

// Translate returns the host pointer backing [gpa, gpa+length) if the
// whole range lies within a single region, and false otherwise. The
// caller must hold a Ref (via Table.Ref, or implicitly via Map.Current)
// for as long as it uses the returned pointer.
func (t *Table) Translate(gpa uint64, length uint32) (unsafe.Pointer, bool) {
	regions := t.regions
	idx := sort.Search(len(regions), func(i int) bool {
		end := regions[i].GuestAddr + regions[i].Size
		return end > gpa || (length == 0 && end == gpa)
	})
	if idx == len(regions) {
		return nil, false
	}
	r := regions[idx]
	if !r.contains(gpa, uint64(length)) {
		return nil, false
	}
	off := gpa - r.GuestAddr
	return unsafe.Pointer(r.HostAddr + uintptr(off)), true
}

// Ref pins the table. Every successful Translate-driven chain walk (and
// every request that retains pointers into it) must pair a Ref with an
// eventual Unref.
func (t *Table) Ref() {
	t.refcount.Add(1)
}

// Unref releases a pin taken by Ref or implicitly by Map.Current. Once the
// table has been retired by a newer Map.Update and its refcount reaches
// zero, the table's onIdle hook (if any) runs exactly once.
func (t *Table) Unref() {
	if t.refcount.Add(-1) == 0 && t.retired.Load() {
		t.fireIdle()
	}
}

// retire marks t as superseded and installs its idle hook. If every pin
// has already drained by the time retire runs, the hook fires
// immediately; otherwise it fires from whichever Unref drains the last
// pin. idleFired guarantees exactly-once delivery regardless of which
// goroutine wins that race.
func (t *Table) retire(onIdle func(*Table)) {
	t.onIdle = onIdle
	t.retired.Store(true)
	if t.refcount.Load() == 0 {
		t.fireIdle()
	}
}

func (t *Table) fireIdle() {
	if t.onIdle != nil && t.idleFired.CompareAndSwap(false, true) {
		t.onIdle(t)
	}
}

// Map holds the current Table and is atomically swappable as the
// hypervisor renegotiates memory. Replaced tables are kept alive until
// their refcount reaches zero.
type Map struct {
	current atomic.Pointer[Table]
	onRetire func(*Table) // test hook; fires when a superseded table becomes idle
}

// NewMap constructs a Map from an initial region set, as would be
// supplied by the transport layer's memory-table negotiation.
func NewMap(regions []Region) *Map {
	m := &Map{}
	m.current.Store(newTable(regions))
	return m
}

// Current returns the live table with a Ref already taken on the caller's
// behalf; the caller must Unref when done.
func (m *Map) Current() *Table {
	for {
		t := m.current.Load()
		t.Ref()
		if m.current.Load() == t {
			return t
		}
		// Lost a race with a concurrent Update; back off and retry.
		t.Unref()
	}
}

// Update installs a new region set. The previous table is retired: once
// its refcount (held by pinned translations and the Map's own initial
// reference) drains to zero, it is eligible for release. Update never
// blocks on in-flight translations.
func (m *Map) Update(regions []Region) {
	next := newTable(regions)
	prev := m.current.Swap(next)
	prev.retire(m.onRetire)
	prev.Unref() // drop the Map's own reference taken at construction/last update
}
