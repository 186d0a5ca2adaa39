package temporal

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrEmptyIndex is returned by lookups on an index with no entries.
	ErrEmptyIndex = errors.New("date index is empty")
	// ErrEmptyCatalog is returned when a catalog holds no usable rasters.
	ErrEmptyCatalog = errors.New("raster catalog is empty")
)

// Entry is one dated value of a DateIndex.
type Entry[T any] struct {
	Date  time.Time
	Value T
}

// DateIndex keeps values sorted by date so nearest-date lookups are a binary
// search. Inserting an existing date replaces its value.
type DateIndex[T any] struct {
	entries []Entry[T]
}

// NewDateIndex returns an empty index.
func NewDateIndex[T any]() *DateIndex[T] {
	return &DateIndex[T]{}
}

// Insert adds or replaces the value for date.
func (d *DateIndex[T]) Insert(date time.Time, v T) {
	i := d.search(date)
	if i < len(d.entries) && d.entries[i].Date.Equal(date) {
		d.entries[i].Value = v
		return
	}
	d.entries = append(d.entries, Entry[T]{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = Entry[T]{Date: date, Value: v}
}

// search returns the first position whose date is not before t.
func (d *DateIndex[T]) search(t time.Time) int {
	return sort.Search(len(d.entries), func(i int) bool {
		return !d.entries[i].Date.Before(t)
	})
}

// Len returns the number of entries.
func (d *DateIndex[T]) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Get returns the value stored for exactly date.
func (d *DateIndex[T]) Get(date time.Time) (T, bool) {
	var zero T
	if d.Len() == 0 {
		return zero, false
	}
	i := d.search(date)
	if i < len(d.entries) && d.entries[i].Date.Equal(date) {
		return d.entries[i].Value, true
	}
	return zero, false
}

// Nearest returns the entry with the smallest absolute time distance to t.
// When two entries are equally distant the earlier one wins.
func (d *DateIndex[T]) Nearest(t time.Time) (Entry[T], error) {
	if d.Len() == 0 {
		return Entry[T]{}, ErrEmptyIndex
	}
	i := d.search(t)
	switch {
	case i == 0:
		return d.entries[0], nil
	case i == len(d.entries):
		return d.entries[i-1], nil
	}
	before, after := d.entries[i-1], d.entries[i]
	if after.Date.Sub(t) < t.Sub(before.Date) {
		return after, nil
	}
	return before, nil
}

// Entries returns all entries in ascending date order.
func (d *DateIndex[T]) Entries() []Entry[T] {
	out := make([]Entry[T], d.Len())
	if d != nil {
		copy(out, d.entries)
	}
	return out
}

// Dates returns the sorted dates.
func (d *DateIndex[T]) Dates() []time.Time {
	out := make([]time.Time, 0, d.Len())
	for _, e := range d.Entries() {
		out = append(out, e.Date)
	}
	return out
}

// Latest returns up to n most recent entries, oldest first.
func (d *DateIndex[T]) Latest(n int) []Entry[T] {
	all := d.Entries()
	if n <= 0 {
		return nil
	}
	if n > len(all) {
		n = len(all)
	}
	return all[len(all)-n:]
}

// Before returns up to n entries dated at or before t, oldest first.
func (d *DateIndex[T]) Before(t time.Time, n int) []Entry[T] {
	if d.Len() == 0 || n <= 0 {
		return nil
	}
	end := d.search(t)
	if end < len(d.entries) && d.entries[end].Date.Equal(t) {
		end++
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]Entry[T], end-start)
	copy(out, d.entries[start:end])
	return out
}
