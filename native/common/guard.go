package common

import (
	"errors"
	"fmt"
	"sort"
)

var ErrModulePaused = errors.New("module paused")

// Module names recognised by Guard.
const (
	ModuleFund          = "fund"
	ModulePrimaryMarket = "primarymarket"
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Storage is the subset of the KV journal the pause registry persists to.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var pauseKey = []byte("common/pauses")

// PauseRegistry is a PauseView whose flags survive restarts.
type PauseRegistry struct {
	store  Storage
	paused map[string]bool
}

// NewPauseRegistry loads any persisted flags from store.
func NewPauseRegistry(store Storage) (*PauseRegistry, error) {
	r := &PauseRegistry{store: store, paused: make(map[string]bool)}
	if store == nil {
		return r, nil
	}
	var modules []string
	ok, err := store.KVGet(pauseKey, &modules)
	if err != nil {
		return nil, fmt.Errorf("load pauses: %w", err)
	}
	if ok {
		for _, m := range modules {
			r.paused[m] = true
		}
	}
	return r, nil
}

func (r *PauseRegistry) IsPaused(module string) bool {
	if r == nil {
		return false
	}
	return r.paused[module]
}

// SetPaused toggles module and persists the resulting set.
func (r *PauseRegistry) SetPaused(module string, paused bool) error {
	if r == nil {
		return errors.New("pause registry not configured")
	}
	if module == "" {
		return errors.New("module required")
	}
	prev := r.paused[module]
	if paused {
		r.paused[module] = true
	} else {
		delete(r.paused, module)
	}
	if r.store == nil {
		return nil
	}
	if err := r.store.KVPut(pauseKey, r.Paused()); err != nil {
		if prev {
			r.paused[module] = true
		} else {
			delete(r.paused, module)
		}
		return fmt.Errorf("persist pauses: %w", err)
	}
	return nil
}

// Paused lists paused modules in sorted order.
func (r *PauseRegistry) Paused() []string {
	out := make([]string, 0, len(r.paused))
	for m := range r.paused {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
