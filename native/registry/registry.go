// Package registry implements the arbitrator moderator list: an owner-gated
// address allow-list consulted when new escrow instances are created.
package registry

import (
	"errors"
	"fmt"

	"p2prent/core/events"
	"p2prent/core/types"
)

var (
	// ErrUnauthorized is returned when a mutation is attempted by anyone
	// but the registry owner.
	ErrUnauthorized = errors.New("registry: owner required")
	// ErrNotInitialized is returned when the registry has no owner yet.
	ErrNotInitialized = errors.New("registry: not initialized")
	// ErrAlreadyInitialized rejects a second initialization.
	ErrAlreadyInitialized = errors.New("registry: already initialized")

	errNilState = errors.New("registry: state not configured")
)

const (
	EventTypeModeratorAdded   = "registry.moderator_added"
	EventTypeModeratorRemoved = "registry.moderator_removed"
	EventTypeModeratorsSet    = "registry.moderators_replaced"
)

type registryState interface {
	RegistryOwnerGet() ([20]byte, bool, error)
	RegistryOwnerPut([20]byte) error
	RegistryModeratorsGet() ([][20]byte, error)
	RegistryModeratorsPut([][20]byte) error
}

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// Registry wires the moderator allow-list logic with external state.
type Registry struct {
	state   registryState
	emitter events.Emitter
}

// NewRegistry creates a registry engine with a no-op emitter.
func NewRegistry() *Registry {
	return &Registry{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(registryEvent{evt: evt})
}

func (r *Registry) requireOwner(caller [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	owner, ok, err := r.state.RegistryOwnerGet()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	if caller != owner {
		return ErrUnauthorized
	}
	return nil
}

// Init records the registry owner and an optional initial moderator list.
// It may only run once.
func (r *Registry) Init(owner [20]byte, moderators [][20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if _, ok, err := r.state.RegistryOwnerGet(); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("registry: zero owner address")
	}
	if err := r.state.RegistryOwnerPut(owner); err != nil {
		return err
	}
	return r.state.RegistryModeratorsPut(dedupe(moderators))
}

// Add appends a moderator to the allow-list. Idempotent for members.
func (r *Registry) Add(caller [20]byte, moderator [20]byte) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	current, err := r.state.RegistryModeratorsGet()
	if err != nil {
		return err
	}
	for _, m := range current {
		if m == moderator {
			return nil
		}
	}
	if err := r.state.RegistryModeratorsPut(append(current, moderator)); err != nil {
		return err
	}
	r.emit(newModeratorEvent(EventTypeModeratorAdded, moderator))
	return nil
}

// Remove deletes a moderator from the allow-list. Idempotent for absentees.
func (r *Registry) Remove(caller [20]byte, moderator [20]byte) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	current, err := r.state.RegistryModeratorsGet()
	if err != nil {
		return err
	}
	next := current[:0]
	found := false
	for _, m := range current {
		if m == moderator {
			found = true
			continue
		}
		next = append(next, m)
	}
	if !found {
		return nil
	}
	if err := r.state.RegistryModeratorsPut(next); err != nil {
		return err
	}
	r.emit(newModeratorEvent(EventTypeModeratorRemoved, moderator))
	return nil
}

// Replace swaps the entire allow-list in one operation.
func (r *Registry) Replace(caller [20]byte, moderators [][20]byte) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	deduped := dedupe(moderators)
	if err := r.state.RegistryModeratorsPut(deduped); err != nil {
		return err
	}
	evt := &types.Event{Type: EventTypeModeratorsSet, Attributes: map[string]string{
		"count": fmt.Sprintf("%d", len(deduped)),
	}}
	r.emit(evt)
	return nil
}

// Owner returns the registry owner address.
func (r *Registry) Owner() ([20]byte, error) {
	if r == nil || r.state == nil {
		return [20]byte{}, errNilState
	}
	owner, ok, err := r.state.RegistryOwnerGet()
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrNotInitialized
	}
	return owner, nil
}

// IsModerator reports whether the address is on the allow-list.
func (r *Registry) IsModerator(addr [20]byte) (bool, error) {
	if r == nil || r.state == nil {
		return false, errNilState
	}
	current, err := r.state.RegistryModeratorsGet()
	if err != nil {
		return false, err
	}
	for _, m := range current {
		if m == addr {
			return true, nil
		}
	}
	return false, nil
}

// Moderators returns a copy of the current allow-list.
func (r *Registry) Moderators() ([][20]byte, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	current, err := r.state.RegistryModeratorsGet()
	if err != nil {
		return nil, err
	}
	return append([][20]byte(nil), current...), nil
}

func dedupe(addrs [][20]byte) [][20]byte {
	seen := make(map[[20]byte]bool, len(addrs))
	out := make([][20]byte, 0, len(addrs))
	for _, a := range addrs {
		if a == ([20]byte{}) || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func newModeratorEvent(eventType string, moderator [20]byte) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"moderator": fmt.Sprintf("%x", moderator),
	}}
}
