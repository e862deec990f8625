package session

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yourbuddyconner/agent-ops-sub007/internal/session/models"
)

// Registry owns the live actors, one per session, created on demand.
type Registry struct {
	deps *actorDeps

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry creates an empty registry.
func NewRegistry(deps *actorDeps) *Registry {
	return &Registry{
		deps:   deps,
		actors: make(map[string]*Actor),
	}
}

// Get returns the live actor for a session, or nil if none is running.
func (r *Registry) Get(sessionID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors[sessionID]
}

// GetOrCreate returns the actor for a session, spawning one if needed. The
// session must exist; actors for terminated sessions reject commands.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[sessionID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	// Load outside the lock; session fetches can hit the database.
	sess, err := r.deps.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[sessionID]; ok {
		return a, nil
	}
	a := newActor(sess, r.deps)
	r.actors[sessionID] = a
	return a, nil
}

// Adopt registers an actor for a session just created in the store, so the
// first command does not need a reload.
func (r *Registry) Adopt(sess *models.Session) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[sess.ID]; ok {
		return a
	}
	a := newActor(sess, r.deps)
	r.actors[sess.ID] = a
	return a
}

// Evict removes and stops a session's actor. Used after terminate.
func (r *Registry) Evict(sessionID string) {
	r.mu.Lock()
	a := r.actors[sessionID]
	delete(r.actors, sessionID)
	r.mu.Unlock()

	if a != nil {
		a.stop()
	}
}

// Close stops every live actor.
func (r *Registry) Close() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	// Actors drain independently; stop them in parallel.
	var g errgroup.Group
	for _, a := range actors {
		a := a
		g.Go(func() error {
			a.stop()
			return nil
		})
	}
	_ = g.Wait()
}
