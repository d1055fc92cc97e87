package engine

import (
	"sync"
)

// Directory is the cached list of known activities. It is replaced wholesale
// on each successful hub sync, never patched in place.
type Directory struct {
	mu         sync.RWMutex
	activities []Activity
}

// NewDirectory creates an empty activity directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Replace swaps in a freshly fetched activity list.
func (d *Directory) Replace(activities []Activity) {
	fresh := make([]Activity, len(activities))
	copy(fresh, activities)

	d.mu.Lock()
	d.activities = fresh
	d.mu.Unlock()
}

// Lookup resolves an activity label to its entry.
func (d *Directory) Lookup(label string) (Activity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, a := range d.activities {
		if a.Label == label {
			return a, true
		}
	}
	return Activity{}, false
}

// LabelFor returns the label for an activity id. The power-off sentinel
// resolves to its reserved label even when the hub list omits it.
func (d *Directory) LabelFor(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, a := range d.activities {
		if a.ID == id {
			return a.Label
		}
	}
	if id == PowerOffActivityID {
		return PowerOffLabel
	}
	return ""
}

// Entries returns a copy of the current activity list.
func (d *Directory) Entries() []Activity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Activity, len(d.activities))
	copy(out, d.activities)
	return out
}

// Len returns the number of known activities.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.activities)
}
