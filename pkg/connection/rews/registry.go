package rews

import (
	"context"
	"errors"
	"sync"
)

// Registry holds at most one Actor per account. Actors are reference
// counted: the first Acquire of a key starts its actor and the last Release
// stops it.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*registered
}

type registered struct {
	actor *Actor
	refs  int
}

func NewRegistry() *Registry {
	return &Registry{actors: map[string]*registered{}}
}

// Acquire returns the actor of key. create is called only when no actor of
// key is running.
func (r *Registry) Acquire(key string, create func() *Actor) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.actors[key]
	if !ok {
		e = &registered{actor: create()}
		r.actors[key] = e
	}
	e.refs++
	return e.actor
}

// Release gives up one reference to the actor of key and closes the actor
// when none is left.
func (r *Registry) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.actors[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.actors, key)
	r.mu.Unlock()
	return e.actor.Close(ctx)
}

// Len returns the number of running actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops every actor regardless of outstanding references.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	actors := r.actors
	r.actors = map[string]*registered{}
	r.mu.Unlock()

	var errs []error
	for _, e := range actors {
		errs = append(errs, e.actor.Close(ctx))
	}
	return errors.Join(errs...)
}
