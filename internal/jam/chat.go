package jam

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jamlink/internal/store"
)

// Reactions and chat are the low-importance channels: additive-only,
// short-bounded, and never worth interrupting the user over.

// ReactionStream delivers the most recent reactions, re-sent as a batch on
// every change.
type ReactionStream struct {
	C      <-chan []Reaction
	cancel func()
}

func (s *ReactionStream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// ChatStream delivers the chat log ordered by timestamp, re-sent as a batch
// on every change.
type ChatStream struct {
	C      <-chan []ChatMessage
	cancel func()
}

func (s *ChatStream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// SendReaction publishes an emoji reaction. Fire it and forget it: the
// bound is the shortest of all operations, failures are only logged, and
// a dropped reaction matters to nobody.
func (c *Coordinator) SendReaction(ctx context.Context, sessionID, emoji string) {
	if c.localSession(sessionID) {
		return
	}
	userID := c.CurrentUserID()
	if userID == "" {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.ReactionTimeout())
	defer cancel()

	id, err := c.store.Push(opCtx, sessionsPath+"/"+sessionID+"/reactions")
	if err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Debug("Failed to send reaction")
		return
	}

	c.mu.Lock()
	senderName := c.displayName
	c.mu.Unlock()

	reaction := Reaction{
		ID:         id,
		Emoji:      emoji,
		SenderID:   userID,
		SenderName: senderName,
		Timestamp:  time.Now().UnixMilli(),
	}
	updates := map[string]interface{}{
		"reactions/" + id: reaction.ToMap(),
	}
	if err := c.store.UpdateChildren(opCtx, sessionsPath+"/"+sessionID, updates); err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Debug("Failed to send reaction")
	}
}

// ObserveReactions streams the most recent reactions, capped to the
// configured limit. Local sessions produce a stream that never emits.
func (c *Coordinator) ObserveReactions(sessionID string) (*ReactionStream, error) {
	if c.localSession(sessionID) {
		ch := make(chan []Reaction)
		var once sync.Once
		return &ReactionStream{C: ch, cancel: func() { once.Do(func() { close(ch) }) }}, nil
	}

	sub, err := c.store.Observe(sessionsPath + "/" + sessionID + "/reactions")
	if err != nil {
		return nil, fmt.Errorf("observing reactions: %w", err)
	}

	limit := c.cfg.ReactionLimit
	out := make(chan []Reaction, 16)
	go func() {
		defer close(out)
		for raw := range sub.C {
			doc, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			reactions := make([]Reaction, 0, len(doc))
			for _, entry := range doc {
				if m, ok := entry.(map[string]interface{}); ok {
					reactions = append(reactions, ReactionFromMap(m))
				}
			}
			sort.Slice(reactions, func(i, j int) bool { return reactions[i].Timestamp < reactions[j].Timestamp })
			if limit > 0 && len(reactions) > limit {
				reactions = reactions[len(reactions)-limit:]
			}
			emitLatest(out, reactions)
		}
	}()
	return &ReactionStream{C: out, cancel: sub.Cancel}, nil
}

// SendChatMessage appends a user message to the session's chat log. In
// local mode the constructed message is returned as success without being
// persisted; there is nobody else to deliver it to.
func (c *Coordinator) SendChatMessage(ctx context.Context, sessionID, senderName, senderAvatar, text string) (ChatMessage, error) {
	userID := c.CurrentUserID()
	if userID == "" {
		return ChatMessage{}, ErrNotAuthenticated
	}

	msg := ChatMessage{
		SessionID:    sessionID,
		SenderID:     userID,
		SenderName:   senderName,
		SenderAvatar: senderAvatar,
		Message:      text,
		Timestamp:    time.Now().UnixMilli(),
	}

	if c.localSession(sessionID) {
		suffix := userID
		if len(suffix) > 6 {
			suffix = suffix[:6]
		}
		msg.ID = fmt.Sprintf("msg_%d_%s", msg.Timestamp, suffix)
		return msg, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	id, err := c.store.Push(opCtx, chatPath+"/"+sessionID)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("allocating message id: %w", err)
	}
	msg.ID = id
	if err := c.store.Set(opCtx, chatPath+"/"+sessionID+"/"+id, msg.ToMap()); err != nil {
		return ChatMessage{}, fmt.Errorf("sending chat message: %w", err)
	}
	return msg, nil
}

// SendSystemMessage appends membership-change narration to the chat log.
// Best effort; purely additive and never mutates prior entries.
func (c *Coordinator) SendSystemMessage(ctx context.Context, sessionID, text string) {
	if c.localSession(sessionID) {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	msg := SystemMessage(sessionID, text)
	id, err := c.store.Push(opCtx, chatPath+"/"+sessionID)
	if err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to send system message")
		return
	}
	msg.ID = id
	if err := c.store.Set(opCtx, chatPath+"/"+sessionID+"/"+id, msg.ToMap()); err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to send system message")
	}
}

// ObserveChat streams the chat log, capped to the configured history limit
// for bandwidth. Incremental child delivery keeps the initial replay cheap;
// the emitted batch is always sorted by timestamp.
func (c *Coordinator) ObserveChat(sessionID string) (*ChatStream, error) {
	if c.localSession(sessionID) {
		ch := make(chan []ChatMessage)
		var once sync.Once
		return &ChatStream{C: ch, cancel: func() { once.Do(func() { close(ch) }) }}, nil
	}

	sub, err := c.store.ObserveChildren(chatPath+"/"+sessionID, c.cfg.ChatHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("observing chat: %w", err)
	}

	limit := c.cfg.ChatHistoryLimit
	out := make(chan []ChatMessage, 16)
	go func() {
		defer close(out)
		byKey := make(map[string]ChatMessage)
		for ev := range sub.C {
			switch ev.Kind {
			case store.ChildRemoved:
				delete(byKey, ev.Key)
			default:
				if ev.Value != nil {
					byKey[ev.Key] = ChatMessageFromMap(ev.Value)
				}
			}
			messages := make([]ChatMessage, 0, len(byKey))
			for _, m := range byKey {
				messages = append(messages, m)
			}
			sort.Slice(messages, func(i, j int) bool { return messages[i].Timestamp < messages[j].Timestamp })
			if limit > 0 && len(messages) > limit {
				messages = messages[len(messages)-limit:]
			}
			emitLatest(out, messages)
		}
	}()
	return &ChatStream{C: out, cancel: sub.Cancel}, nil
}

// ClearSessionChat deletes a session's whole chat log, called at session
// teardown. Best effort.
func (c *Coordinator) ClearSessionChat(ctx context.Context, sessionID string) {
	if c.localSession(sessionID) {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout())
	defer cancel()

	if err := c.store.Remove(opCtx, chatPath+"/"+sessionID); err != nil {
		c.logger.WithError(err).WithField("session", sessionID).Warn("Failed to clear session chat")
	}
}
