package jam

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"jamlink/internal/config"
	"jamlink/internal/identity"
	"jamlink/internal/store"

	"github.com/sirupsen/logrus"
)

// Store tree layout. Session codes index into sessions; chat lives in its
// own subtree so it can be observed and torn down independently.
const (
	sessionsPath = "jam_sessions"
	codesPath    = "jam_codes"
	chatPath     = "jam_chat"
)

// Coordinator creates, joins and synchronizes collaborative listening
// sessions over a replica store, degrading to a device-local session when
// the store is unreachable.
//
// The fallback flag is sticky: once any identity or session-create bound is
// exceeded, every later operation takes the local path for the life of this
// instance. A fresh Coordinator is the only way back to retrying remote.
type Coordinator struct {
	store    store.Store
	identity identity.Provider
	logger   *logrus.Logger
	cfg      config.SessionConfig

	mu               sync.Mutex
	userID           string
	displayName      string
	useLocalFallback bool
}

// NewCoordinator creates a coordinator over the given store and identity
// provider.
func NewCoordinator(st store.Store, idp identity.Provider, cfg config.SessionConfig, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		identity: idp,
		logger:   logger,
		cfg:      cfg,
	}
}

// GenerateSessionCode returns a uniform 6-digit join code in
// [100000, 999999], never fewer than six digits.
func GenerateSessionCode() string {
	return strconv.Itoa(100000 + rand.IntN(900000))
}

func localID() string {
	return "local_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// isLocalSessionID reports whether a session id names a device-local
// session by the id prefix convention.
func isLocalSessionID(id string) bool {
	return strings.HasPrefix(id, "local_") || strings.HasPrefix(id, "session_")
}

// IsLocalMode reports whether the coordinator has fallen back to
// device-local operation.
func (c *Coordinator) IsLocalMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useLocalFallback
}

// CurrentUserID returns the resolved user id without triggering sign-in,
// or "" when identity was never acquired.
func (c *Coordinator) CurrentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// localSession reports whether operations on this session id must take the
// local path.
func (c *Coordinator) localSession(sessionID string) bool {
	return c.IsLocalMode() || isLocalSessionID(sessionID)
}

// enterFallback flips the sticky flag. Once remote coordination has proven
// unreachable, retrying it on every call would just stack timeout waits.
func (c *Coordinator) enterFallback(op string, err error) {
	c.mu.Lock()
	already := c.useLocalFallback
	c.useLocalFallback = true
	c.mu.Unlock()
	if !already {
		c.logger.WithError(err).WithField("op", op).Warn("Remote store unreachable, switching to local fallback")
	}
}

// EnsureUserID returns a stable opaque id for the current user, attempting
// remote anonymous sign-in under the auth bound. On timeout or any failure
// it synthesizes a local id and flips the fallback flag: with no remote
// identity, every replicated operation would be pointless anyway.
func (c *Coordinator) EnsureUserID(ctx context.Context) string {
	c.mu.Lock()
	if c.userID != "" {
		id := c.userID
		c.mu.Unlock()
		return id
	}
	fallback := c.useLocalFallback
	c.mu.Unlock()

	if !fallback {
		authCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout())
		id, err := c.identity.SignInAnonymously(authCtx)
		cancel()

		// The lock is not held across sign-in, so a concurrent caller may
		// have stored an id already. The first stored id wins; everyone
		// else adopts it so one device never operates under two ids.
		c.mu.Lock()
		if c.userID != "" {
			stored := c.userID
			c.mu.Unlock()
			return stored
		}
		if err == nil && id != "" {
			c.userID = id
			c.mu.Unlock()
			return id
		}
		c.mu.Unlock()
		c.enterFallback("sign-in", err)
	}

	id := localID()
	c.mu.Lock()
	if c.userID != "" {
		id = c.userID
	} else {
		c.userID = id
	}
	c.mu.Unlock()
	return id
}

// CreateSession creates a new session with the caller as host. When the
// store is unreachable within the create bound it degrades to a purely
// device-local session and still reports success: the host's own listening
// experience must not hinge on the sync backend, at the cost of the session
// being invisible to other devices.
func (c *Coordinator) CreateSession(ctx context.Context, hostName, hostAvatar string) (Session, error) {
	userID := c.EnsureUserID(ctx)
	code := GenerateSessionCode()

	session := NewSession("session_"+strconv.FormatInt(time.Now().UnixMilli(), 10), code, userID, hostName, hostAvatar)
	session.MaxParticipants = c.cfg.MaxParticipants
	session.ExpiresAt = session.CreatedAt + c.cfg.SessionTTL().Milliseconds()

	c.mu.Lock()
	c.displayName = hostName
	fallback := c.useLocalFallback
	c.mu.Unlock()

	if !fallback {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout())
		remote, err := c.createRemote(opCtx, session)
		cancel()
		if err == nil {
			c.logger.WithFields(logrus.Fields{"session": remote.SessionID, "code": code}).Info("Created session")
			return remote, nil
		}
		c.enterFallback("create session", err)
	}

	c.logger.WithField("code", code).Info("Created local session (store unavailable)")
	return session, nil
}

// createRemote allocates a store-assigned session id, writes the session
// record, then the code index entry. The two records are not written
// atomically together; the session is written first so a resolved code
// always points at an existing record.
func (c *Coordinator) createRemote(ctx context.Context, session Session) (Session, error) {
	id, err := c.store.Push(ctx, sessionsPath)
	if err != nil {
		return Session{}, fmt.Errorf("allocating session id: %w", err)
	}
	session.SessionID = id

	if err := c.store.Set(ctx, sessionsPath+"/"+id, session.ToMap()); err != nil {
		return Session{}, fmt.Errorf("writing session record: %w", err)
	}
	if err := c.store.Set(ctx, codesPath+"/"+session.SessionCode, id); err != nil {
		// Without a code index entry the record can never be joined, so
		// best-effort delete it rather than leaving an orphan. A fresh
		// bound because ctx may already be the reason we are here.
		rmCtx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout())
		if rmErr := c.store.Remove(rmCtx, sessionsPath+"/"+id); rmErr != nil {
			c.logger.WithError(rmErr).WithField("session", id).Warn("Failed to clean up orphaned session record")
		}
		cancel()
		return Session{}, fmt.Errorf("writing code index: %w", err)
	}
	return session, nil
}

// JoinSession joins the session behind a 6-digit code.
//
// In fallback mode, joining synthesizes a single-participant local session
// with a fabricated remote host: there is no way to actually reach another
// device's session without the store. That is a documented placeholder, not
// a real join.
func (c *Coordinator) JoinSession(ctx context.Context, code, guestName, guestAvatar string) (Session, error) {
	userID := c.EnsureUserID(ctx)

	c.mu.Lock()
	c.displayName = guestName
	fallback := c.useLocalFallback
	c.mu.Unlock()

	if fallback {
		now := time.Now().UnixMilli()
		participant := Participant{ID: userID, Name: guestName, Avatar: guestAvatar, JoinedAt: now, IsOnline: true}
		session := NewSession("local_session_"+strconv.FormatInt(now, 10), code, "remote_host", "Host", "")
		session.Participants[userID] = participant
		session.IsPlaying = true
		c.logger.WithField("code", code).Info("Joined local session (store unavailable)")
		return session, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout())
	defer cancel()

	raw, ok, err := c.store.Get(opCtx, codesPath+"/"+code)
	if err != nil {
		return Session{}, fmt.Errorf("resolving session code: %w", err)
	}
	sessionID, _ := raw.(string)
	if !ok || sessionID == "" {
		return Session{}, ErrInvalidCode
	}

	record, ok, err := c.store.Get(opCtx, sessionsPath+"/"+sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("fetching session: %w", err)
	}
	doc, isMap := record.(map[string]interface{})
	if !ok || !isMap {
		return Session{}, ErrSessionUnavailable
	}
	session := SessionFromMap(doc)
	if session.IsExpired() {
		return Session{}, ErrSessionUnavailable
	}

	if session.IsFull() {
		return Session{}, ErrSessionFull
	}
	if _, member := session.Participants[userID]; member {
		// Idempotent re-join: already in, nothing to write.
		return session, nil
	}
	if session.HostID == userID {
		return Session{}, ErrAlreadyHost
	}

	now := time.Now().UnixMilli()
	participant := Participant{ID: userID, Name: guestName, Avatar: guestAvatar, JoinedAt: now, IsOnline: true}

	// Partial update limited to this one participant plus the LWW marker;
	// rewriting the whole record would clobber concurrent writes from the
	// host or other joiners.
	updates := map[string]interface{}{
		"participants/" + userID: participant.ToMap(),
		"lastUpdated":            now,
	}
	if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
		return Session{}, fmt.Errorf("joining session: %w", err)
	}

	session.Participants[userID] = participant
	session.LastUpdated = now
	c.logger.WithFields(logrus.Fields{
		"session":      sessionID,
		"code":         code,
		"participants": session.ParticipantCount(),
	}).Info("Joined session")
	return session, nil
}

// SessionStream is a long-lived session snapshot subscription. Cancel
// deregisters the remote listener; the stream never re-subscribes itself.
type SessionStream struct {
	C      <-chan Session
	cancel func()
}

func (s *SessionStream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// emitLatest enqueues v without blocking, evicting the oldest queued
// element when the buffer is full. A slow consumer then converges on the
// newest state instead of being stuck behind a stale prefix. There is one
// sender per stream, so the freed slot cannot be stolen.
func emitLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// ObserveSession streams full session snapshots on every remote change.
// There are no delta semantics: callers re-render from each snapshot. For
// local session ids the stream never emits: a device-local session has no
// cross-device observers.
func (c *Coordinator) ObserveSession(sessionID string) (*SessionStream, error) {
	if c.localSession(sessionID) {
		ch := make(chan Session)
		var once sync.Once
		return &SessionStream{C: ch, cancel: func() { once.Do(func() { close(ch) }) }}, nil
	}

	sub, err := c.store.Observe(sessionsPath + "/" + sessionID)
	if err != nil {
		return nil, fmt.Errorf("observing session: %w", err)
	}

	out := make(chan Session, 16)
	go func() {
		defer close(out)
		for raw := range sub.C {
			doc, ok := raw.(map[string]interface{})
			if !ok {
				// Record removed or malformed; the session record
				// disappearing is how teardown is discovered.
				continue
			}
			emitLatest(out, SessionFromMap(doc))
		}
	}()
	return &SessionStream{C: out, cancel: sub.Cancel}, nil
}

// UpdatePlaybackState pushes the host's play/pause state and position.
// Best effort: this fires on every seek and pause, so transient failures
// are logged and dropped rather than retried; the next push self-corrects
// the shared state.
func (c *Coordinator) UpdatePlaybackState(ctx context.Context, sessionID string, isPlaying bool, position int64) {
	if c.localSession(sessionID) {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	updates := map[string]interface{}{
		"isPlaying":       isPlaying,
		"currentPosition": position,
		"lastUpdated":     time.Now().UnixMilli(),
	}
	if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to update playback state")
	}
}

// ChangeTrack broadcasts a track change. Best effort, like playback pushes.
func (c *Coordinator) ChangeTrack(ctx context.Context, sessionID string, track Track) {
	if c.localSession(sessionID) {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	updates := map[string]interface{}{
		"currentTrackId":      track.ID,
		"currentTrackTitle":   track.Title,
		"currentTrackArtist":  track.Artist,
		"currentTrackArtwork": track.Artwork,
		"currentPosition":     int64(0),
		"isPlaying":           true,
		"lastUpdated":         time.Now().UnixMilli(),
	}
	if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to change track")
	}
}

// LeaveSession leaves a session. A departing host deletes the session
// record and its code index entry: the session has exactly one authority
// and its departure ends it for everyone. A departing participant removes
// only its own entry. Cleanup failures are logged and swallowed; there is
// nothing actionable for the caller.
func (c *Coordinator) LeaveSession(ctx context.Context, sessionID string) {
	if c.localSession(sessionID) {
		c.logger.Debug("Left local session")
		return
	}
	userID := c.CurrentUserID()
	if userID == "" {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	record, ok, err := c.store.Get(opCtx, sessionsPath+"/"+sessionID)
	if err != nil || !ok {
		return
	}
	doc, isMap := record.(map[string]interface{})
	if !isMap {
		return
	}
	session := SessionFromMap(doc)
	now := time.Now().UnixMilli()

	switch {
	case session.HostID == userID:
		if err := c.store.Remove(opCtx, sessionsPath+"/"+sessionID); err != nil {
			c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to delete session record")
			return
		}
		if err := c.store.Remove(opCtx, codesPath+"/"+session.SessionCode); err != nil {
			c.logger.WithError(err).WithField("code", session.SessionCode).Warn("Failed to delete code index entry")
		}
		c.logger.WithField("session", sessionID).Info("Host left, session deleted")

	case hasParticipant(session, userID):
		updates := map[string]interface{}{
			"participants/" + userID: nil,
			"lastUpdated":            now,
		}
		if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
			c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to leave session")
			return
		}
		c.logger.WithFields(logrus.Fields{
			"session":   sessionID,
			"remaining": session.ParticipantCount() - 1,
		}).Info("Participant left session")

	case session.GuestID == userID:
		// Legacy single-guest shape: clear the guest fields in place.
		updates := map[string]interface{}{
			"guestId":     nil,
			"guestName":   nil,
			"guestAvatar": nil,
			"lastUpdated": now,
		}
		if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
			c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to leave session")
		}
	}
}

func hasParticipant(s Session, userID string) bool {
	_, ok := s.Participants[userID]
	return ok
}

// IsValidCode reports whether a session code currently resolves. False on
// any error, including timeouts.
func (c *Coordinator) IsValidCode(ctx context.Context, code string) bool {
	if c.IsLocalMode() {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	_, ok, err := c.store.Get(opCtx, codesPath+"/"+code)
	return err == nil && ok
}

// AddToQueue appends a track to the session's collaborative queue. The
// queue exists only for cross-device visibility, so in local mode this
// fails with ErrUnsupported rather than pretending to work. The item id is
// store-assigned so concurrent adds from different participants never
// collide.
func (c *Coordinator) AddToQueue(ctx context.Context, sessionID string, track Track) (QueueItem, error) {
	if c.localSession(sessionID) {
		return QueueItem{}, ErrUnsupported
	}
	userID := c.CurrentUserID()
	if userID == "" {
		return QueueItem{}, ErrNotAuthenticated
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	id, err := c.store.Push(opCtx, sessionsPath+"/"+sessionID+"/queue")
	if err != nil {
		return QueueItem{}, fmt.Errorf("allocating queue item id: %w", err)
	}

	c.mu.Lock()
	addedByName := c.displayName
	c.mu.Unlock()

	item := QueueItem{
		ID:          id,
		TrackID:     track.ID,
		Title:       track.Title,
		Artist:      track.Artist,
		Artwork:     track.Artwork,
		Duration:    track.Duration,
		AddedBy:     userID,
		AddedByName: addedByName,
		AddedAt:     time.Now().UnixMilli(),
	}
	updates := map[string]interface{}{
		"queue/" + id: item.ToMap(),
		"lastUpdated": item.AddedAt,
	}
	if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
		return QueueItem{}, fmt.Errorf("adding to queue: %w", err)
	}
	return item, nil
}

// RemoveFromQueue removes a queue item. Best effort; no-op in local mode.
func (c *Coordinator) RemoveFromQueue(ctx context.Context, sessionID, itemID string) {
	if c.localSession(sessionID) {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	updates := map[string]interface{}{
		"queue/" + itemID: nil,
		"lastUpdated":     time.Now().UnixMilli(),
	}
	if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to remove queue item")
	}
}

// Close releases the underlying store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}
