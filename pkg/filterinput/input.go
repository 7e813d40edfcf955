// Package filterinput holds the free-text field of a list view. Typing only
// changes the field; the list refetches when the field is submitted or reset.
package filterinput

import "sync"

// Target receives filter changes.
type Target interface {
	SetFilter(filter string)
	ClearFilter()
}

// Input is the keyword field bound to one Target.
type Input struct {
	target Target

	mu    sync.Mutex
	value string
}

// New returns an empty input bound to target.
func New(target Target) *Input {
	return &Input{target: target}
}

// Type replaces the field contents without notifying the target.
func (in *Input) Type(value string) {
	in.mu.Lock()
	in.value = value
	in.mu.Unlock()
}

// Value returns the field contents.
func (in *Input) Value() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.value
}

// Submit hands the field value to the target unchanged, whitespace included.
func (in *Input) Submit() string {
	in.mu.Lock()
	value := in.value
	in.mu.Unlock()
	in.target.SetFilter(value)
	return value
}

// Reset empties the field and clears the target filter.
func (in *Input) Reset() {
	in.mu.Lock()
	in.value = ""
	in.target.ClearFilter()
	in.mu.Unlock()
}
