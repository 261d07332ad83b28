package session

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/m4xw311/agentbridge/errors"
)

// Registry owns every live session in the process and revives persisted
// ones on demand. All lookups and mutations go through its lock; the
// sessions themselves guard their own state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	engine    Engine
	store     *Store
	bufferCap int
	log       pslog.Logger
}

// NewRegistry builds a registry backed by the given engine and store.
func NewRegistry(engine Engine, store *Store, bufferCap int, log pslog.Logger) *Registry {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		engine:    engine,
		store:     store,
		bufferCap: bufferCap,
		log:       log.With("svc", "sessions"),
	}
}

// Create starts a new session. The engine must confirm readiness before
// the session becomes visible; on engine failure nothing is persisted
// and no session resource remains.
func (r *Registry) Create(ctx context.Context, cfg EngineConfig, name string) (*Session, error) {
	return r.create(ctx, cfg, name, "")
}

func (r *Registry) create(ctx context.Context, cfg EngineConfig, name, parentID string) (*Session, error) {
	id := NewID()
	now := time.Now().UTC()
	sess := &Session{
		id:       id,
		name:     name,
		parentID: parentID,
		config:   cfg,
		state:    StateCreated,
		created:  now,
		updated:  now,
		store:    r.store,
	}
	sess.updates = NewPublisher(id, r.bufferCap, func() {
		r.log.Warn("update buffer overflow, failing session", "session", id)
		sess.forceError(ErrUpdateOverflow)
	})

	sess.state = StateInitializing
	conv, err := r.engine.Start(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(joinCause(ErrEngineUnavailable, err), "start conversation")
	}
	sess.conv = conv
	sess.state = StateIdle

	if err := sess.persist(sess.Metadata()); err != nil {
		_ = conv.Close()
		return nil, errors.Wrapf(err, "persist new session")
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	r.log.Info("session created", "session", id, "engine", cfg.Engine, "parent", parentID)
	return sess, nil
}

// Get returns a live session without touching the store.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Load returns the live session for id, reviving it from the store when
// no live one exists. Revived sessions restart their conversation from
// the persisted transcript. Deleted or errored sessions cannot be
// loaded.
func (r *Registry) Load(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		if sess.State().Terminal() {
			return nil, errors.Wrapf(ErrIncompatible, "session %s is %s", id, sess.State())
		}
		return sess, nil
	}
	r.mu.Unlock()

	meta, err := r.store.LoadMetadata(id)
	if err != nil {
		return nil, err
	}
	state := State(meta.State)
	if state.Terminal() {
		return nil, errors.Wrapf(ErrIncompatible, "session %s is %s", id, meta.State)
	}

	transcript, err := r.store.LoadTranscript(id)
	if err != nil {
		r.log.Warn("transcript partially readable", "session", id, "error", err)
	}

	conv, err := r.engine.Resume(ctx, meta.Config, transcript)
	if err != nil {
		return nil, errors.Wrapf(joinCause(ErrEngineUnavailable, err), "resume conversation")
	}

	sess := &Session{
		id:       meta.ID,
		name:     meta.Name,
		parentID: meta.ParentID,
		config:   meta.Config,
		state:    StateIdle,
		created:  meta.Created,
		updated:  meta.Updated,
		turns:    meta.TurnCount,
		messages: transcript,
		conv:     conv,
		store:    r.store,
	}
	sess.updates = NewPublisher(meta.ID, r.bufferCap, func() {
		r.log.Warn("update buffer overflow, failing session", "session", meta.ID)
		sess.forceError(ErrUpdateOverflow)
	})

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		// Lost a revival race; keep the winner.
		r.mu.Unlock()
		_ = conv.Close()
		return existing, nil
	}
	r.sessions[id] = sess
	r.mu.Unlock()
	r.log.Info("session revived", "session", id, "messages", len(transcript))
	return sess, nil
}

// List returns descriptors for every persisted session, freshened from
// live state where available. Storage issues are logged, not fatal.
func (r *Registry) List() []*Metadata {
	metas, issues := r.store.List()
	for _, issue := range issues {
		r.log.Warn("session listing issue", "error", issue)
	}
	r.mu.Lock()
	for i, meta := range metas {
		if sess, ok := r.sessions[meta.ID]; ok {
			metas[i] = sess.Metadata()
		}
	}
	r.mu.Unlock()
	return metas
}

// Fork creates a sibling session sharing the parent's configuration.
// The conversation context is not copied; the child starts empty with
// only its lineage recorded.
func (r *Registry) Fork(ctx context.Context, id, name string) (*Session, error) {
	parent, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = parent.Name()
	}
	return r.create(ctx, parent.Config(), name, parent.ID())
}

// Cancel signals the session's in-flight prompt, if any. Cancelling an
// idle session is a no-op.
func (r *Registry) Cancel(id string) error {
	sess, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	sess.Cancel()
	return nil
}

// Delete tears a session down from any state: cancels work, releases
// session-scoped resources, closes the conversation and removes the
// persisted directory.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	sess, live := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if live {
		sess.Cancel()
		sess.markDeleted()
	}

	err := r.store.Delete(id)
	if errors.Is(err, ErrNotFound) {
		if live {
			return nil
		}
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	r.log.Info("session deleted", "session", id)
	return nil
}

// OrphanOwned detaches every session owned by the given connection,
// leaving them adoptable by later connections.
func (r *Registry) OrphanOwned(owner string) int {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.Unlock()

	count := 0
	for _, sess := range snapshot {
		if sess.Owner() == owner {
			sess.Orphan(owner)
			count++
		}
	}
	if count > 0 {
		r.log.Info("sessions orphaned", "owner", owner, "count", count)
	}
	return count
}

// Close shuts down every live conversation. Sessions stay persisted.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.Cancel()
		sess.mu.Lock()
		conv := sess.conv
		sess.conv = nil
		sess.mu.Unlock()
		if conv != nil {
			_ = conv.Close()
		}
	}
}
