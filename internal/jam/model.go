package jam

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Default session limits. Sessions expire two hours after creation unless
// torn down earlier by the host.
const (
	DefaultMaxParticipants = 32
	DefaultSessionTTL      = 2 * time.Hour
)

// AvailableEmojis is the advisory reaction set offered by the UI. The emoji
// field itself is a free string; anything outside this list is still accepted.
var AvailableEmojis = []string{"🔥", "❤️", "🎵", "🎤", "👏", "💯", "🙌", "✨"}

// Track is the playback-engine hand-off shape: the minimal description of a
// track the coordinator needs to broadcast a track change or queue addition.
type Track struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Artwork  string `json:"artwork,omitempty"`
	Duration int64  `json:"duration"` // in milliseconds
}

// Participant represents a non-host member of a session. The host is never
// stored as a participant; it is implicitly member #0.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	JoinedAt int64  `json:"joinedAt"` // unix millis
	IsOnline bool   `json:"isOnline"`
}

// ToMap converts the participant to the flat wire representation used by the
// replica store.
func (p Participant) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":       p.ID,
		"name":     p.Name,
		"avatar":   p.Avatar,
		"joinedAt": p.JoinedAt,
		"isOnline": p.IsOnline,
	}
}

// ParticipantFromMap rebuilds a participant from a wire map. Missing or
// mistyped fields fall back to typed defaults so that partially-applied
// remote writes still parse.
func ParticipantFromMap(m map[string]interface{}) Participant {
	return Participant{
		ID:       asString(m["id"], ""),
		Name:     asString(m["name"], ""),
		Avatar:   asString(m["avatar"], ""),
		JoinedAt: asInt64(m["joinedAt"], nowMillis()),
		IsOnline: asBool(m["isOnline"], true),
	}
}

// QueueItem is one entry in the collaborative queue. The id is assigned by
// the replica store on insert so concurrent adds never collide. Votes is an
// adjustable counter; ordering is strictly by AddedAt regardless of votes.
type QueueItem struct {
	ID          string `json:"id"`
	TrackID     string `json:"trackId"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Artwork     string `json:"artwork,omitempty"`
	Duration    int64  `json:"duration"`
	AddedBy     string `json:"addedBy"`
	AddedByName string `json:"addedByName"`
	AddedAt     int64  `json:"addedAt"`
	Votes       int    `json:"votes"`
}

func (q QueueItem) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":          q.ID,
		"trackId":     q.TrackID,
		"title":       q.Title,
		"artist":      q.Artist,
		"artwork":     q.Artwork,
		"duration":    q.Duration,
		"addedBy":     q.AddedBy,
		"addedByName": q.AddedByName,
		"addedAt":     q.AddedAt,
		"votes":       q.Votes,
	}
}

func QueueItemFromMap(m map[string]interface{}) QueueItem {
	return QueueItem{
		ID:          asString(m["id"], ""),
		TrackID:     asString(m["trackId"], ""),
		Title:       asString(m["title"], ""),
		Artist:      asString(m["artist"], ""),
		Artwork:     asString(m["artwork"], ""),
		Duration:    asInt64(m["duration"], 0),
		AddedBy:     asString(m["addedBy"], ""),
		AddedByName: asString(m["addedByName"], ""),
		AddedAt:     asInt64(m["addedAt"], nowMillis()),
		Votes:       int(asInt64(m["votes"], 0)),
	}
}

// Reaction is a short-lived emoji reaction. Duplicates are legal; a reaction
// has no identity beyond its store-assigned id.
type Reaction struct {
	ID         string `json:"id"`
	Emoji      string `json:"emoji"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"`
}

func (r Reaction) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":         r.ID,
		"emoji":      r.Emoji,
		"senderId":   r.SenderID,
		"senderName": r.SenderName,
		"timestamp":  r.Timestamp,
	}
}

func ReactionFromMap(m map[string]interface{}) Reaction {
	return Reaction{
		ID:         asString(m["id"], ""),
		Emoji:      asString(m["emoji"], "🎵"),
		SenderID:   asString(m["senderId"], ""),
		SenderName: asString(m["senderName"], ""),
		Timestamp:  asInt64(m["timestamp"], nowMillis()),
	}
}

// ChatMessage is one entry in a session's append-only chat log. IsSystem
// marks membership-change narration ("X joined") as opposed to user text.
type ChatMessage struct {
	ID           string `json:"id"`
	SessionID    string `json:"sessionId"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
	Message      string `json:"message"`
	Timestamp    int64  `json:"timestamp"`
	IsSystem     bool   `json:"isSystem"`
}

func (c ChatMessage) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":           c.ID,
		"sessionId":    c.SessionID,
		"senderId":     c.SenderID,
		"senderName":   c.SenderName,
		"senderAvatar": c.SenderAvatar,
		"message":      c.Message,
		"timestamp":    c.Timestamp,
		"isSystem":     c.IsSystem,
	}
}

func ChatMessageFromMap(m map[string]interface{}) ChatMessage {
	return ChatMessage{
		ID:           asString(m["id"], ""),
		SessionID:    asString(m["sessionId"], ""),
		SenderID:     asString(m["senderId"], ""),
		SenderName:   asString(m["senderName"], ""),
		SenderAvatar: asString(m["senderAvatar"], ""),
		Message:      asString(m["message"], ""),
		Timestamp:    asInt64(m["timestamp"], nowMillis()),
		IsSystem:     asBool(m["isSystem"], false),
	}
}

// SystemMessage builds a system-authored chat message for membership-change
// narration.
func SystemMessage(sessionID, text string) ChatMessage {
	now := nowMillis()
	return ChatMessage{
		ID:         "sys_" + strconv.FormatInt(now, 10),
		SessionID:  sessionID,
		SenderID:   "system",
		SenderName: "System",
		Message:    text,
		Timestamp:  now,
		IsSystem:   true,
	}
}

// Session is the aggregate root of a collaborative listening session.
//
// LastUpdated is a wall-clock last-writer-wins marker, not a logical clock:
// concurrent host writes from devices with skewed clocks can appear out of
// order. That is a known consistency limitation of the design.
type Session struct {
	SessionID   string `json:"sessionId"`
	SessionCode string `json:"sessionCode"` // 6-digit join code

	HostID     string `json:"hostId"`
	HostName   string `json:"hostName"`
	HostAvatar string `json:"hostAvatar,omitempty"`

	Participants    map[string]Participant `json:"participants"`
	MaxParticipants int                    `json:"maxParticipants"`

	// Legacy single-guest fields, kept as a read/write fallback
	// representation of a one-participant session.
	GuestID     string `json:"guestId,omitempty"`
	GuestName   string `json:"guestName,omitempty"`
	GuestAvatar string `json:"guestAvatar,omitempty"`

	CurrentTrackID      string `json:"currentTrackId,omitempty"`
	CurrentTrackTitle   string `json:"currentTrackTitle,omitempty"`
	CurrentTrackArtist  string `json:"currentTrackArtist,omitempty"`
	CurrentTrackArtwork string `json:"currentTrackArtwork,omitempty"`
	CurrentPosition     int64  `json:"currentPosition"` // in milliseconds
	IsPlaying           bool   `json:"isPlaying"`
	LastUpdated         int64  `json:"lastUpdated"`

	Queue     []QueueItem         `json:"queue"`
	Reactions map[string]Reaction `json:"reactions"`

	CreatedAt int64 `json:"createdAt"`
	ExpiresAt int64 `json:"expiresAt"`
}

// NewSession builds a fresh session for the given host with default limits
// and expiry.
func NewSession(sessionID, code, hostID, hostName, hostAvatar string) Session {
	now := nowMillis()
	return Session{
		SessionID:       sessionID,
		SessionCode:     code,
		HostID:          hostID,
		HostName:        hostName,
		HostAvatar:      hostAvatar,
		Participants:    map[string]Participant{},
		MaxParticipants: DefaultMaxParticipants,
		Reactions:       map[string]Reaction{},
		LastUpdated:     now,
		CreatedAt:       now,
		ExpiresAt:       now + DefaultSessionTTL.Milliseconds(),
	}
}

// HasGuest reports whether anyone beyond the host is in the session, under
// either representation.
func (s Session) HasGuest() bool {
	return len(s.Participants) > 0 || s.GuestID != ""
}

// ParticipantCount is the number of members excluding the host. The
// map-based representation takes precedence over the legacy guest fields;
// the two are never double-counted.
func (s Session) ParticipantCount() int {
	if len(s.Participants) == 0 && s.GuestID != "" {
		return 1
	}
	return len(s.Participants)
}

// IsFull reports whether the session can accept no more participants.
func (s Session) IsFull() bool {
	return s.ParticipantCount() >= s.MaxParticipants
}

// IsExpired reports whether the session's lifetime has elapsed. Expiry is
// discovered by callers on each snapshot; nothing pushes it.
func (s Session) IsExpired() bool {
	return nowMillis() > s.ExpiresAt
}

// ParticipantList merges the map-based and legacy single-guest
// representations into one list ordered by join time.
func (s Session) ParticipantList() []Participant {
	if len(s.Participants) > 0 {
		list := make([]Participant, 0, len(s.Participants))
		for _, p := range s.Participants {
			list = append(list, p)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt < list[j].JoinedAt })
		return list
	}
	if s.GuestID != "" {
		name := s.GuestName
		if name == "" {
			name = "Guest"
		}
		return []Participant{{ID: s.GuestID, Name: name, Avatar: s.GuestAvatar, IsOnline: true}}
	}
	return nil
}

// ToMap converts the session to the flat wire representation: string keys,
// nested collections of primitives/maps only.
func (s Session) ToMap() map[string]interface{} {
	participants := make(map[string]interface{}, len(s.Participants))
	for id, p := range s.Participants {
		participants[id] = p.ToMap()
	}
	queue := make(map[string]interface{}, len(s.Queue))
	for _, q := range s.Queue {
		queue[q.ID] = q.ToMap()
	}
	reactions := make(map[string]interface{}, len(s.Reactions))
	for id, r := range s.Reactions {
		reactions[id] = r.ToMap()
	}
	return map[string]interface{}{
		"sessionId":           s.SessionID,
		"sessionCode":         s.SessionCode,
		"hostId":              s.HostID,
		"hostName":            s.HostName,
		"hostAvatar":          s.HostAvatar,
		"participants":        participants,
		"maxParticipants":     s.MaxParticipants,
		"guestId":             s.GuestID,
		"guestName":           s.GuestName,
		"guestAvatar":         s.GuestAvatar,
		"currentTrackId":      s.CurrentTrackID,
		"currentTrackTitle":   s.CurrentTrackTitle,
		"currentTrackArtist":  s.CurrentTrackArtist,
		"currentTrackArtwork": s.CurrentTrackArtwork,
		"currentPosition":     s.CurrentPosition,
		"isPlaying":           s.IsPlaying,
		"lastUpdated":         s.LastUpdated,
		"queue":               queue,
		"reactions":           reactions,
		"createdAt":           s.CreatedAt,
		"expiresAt":           s.ExpiresAt,
	}
}

// SessionFromMap rebuilds a session from a wire map. It never fails: every
// field has a typed default, so partially-written or stale remote records
// still produce a usable value. Queue entries arrive keyed by store id and
// are flattened to a list ordered by AddedAt (the store does not guarantee
// insertion order otherwise).
func SessionFromMap(m map[string]interface{}) Session {
	now := nowMillis()

	participants := map[string]Participant{}
	for id, raw := range asMap(m["participants"]) {
		participants[id] = ParticipantFromMap(asMap(raw))
	}

	var queue []QueueItem
	for _, raw := range asMap(m["queue"]) {
		queue = append(queue, QueueItemFromMap(asMap(raw)))
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].AddedAt < queue[j].AddedAt })

	reactions := map[string]Reaction{}
	for id, raw := range asMap(m["reactions"]) {
		reactions[id] = ReactionFromMap(asMap(raw))
	}

	return Session{
		SessionID:           asString(m["sessionId"], ""),
		SessionCode:         asString(m["sessionCode"], ""),
		HostID:              asString(m["hostId"], ""),
		HostName:            asString(m["hostName"], ""),
		HostAvatar:          asString(m["hostAvatar"], ""),
		Participants:        participants,
		MaxParticipants:     int(asInt64(m["maxParticipants"], DefaultMaxParticipants)),
		GuestID:             asString(m["guestId"], ""),
		GuestName:           asString(m["guestName"], ""),
		GuestAvatar:         asString(m["guestAvatar"], ""),
		CurrentTrackID:      asString(m["currentTrackId"], ""),
		CurrentTrackTitle:   asString(m["currentTrackTitle"], ""),
		CurrentTrackArtist:  asString(m["currentTrackArtist"], ""),
		CurrentTrackArtwork: asString(m["currentTrackArtwork"], ""),
		CurrentPosition:     asInt64(m["currentPosition"], 0),
		IsPlaying:           asBool(m["isPlaying"], false),
		LastUpdated:         asInt64(m["lastUpdated"], now),
		Queue:               queue,
		Reactions:           reactions,
		CreatedAt:           asInt64(m["createdAt"], now),
		ExpiresAt:           asInt64(m["expiresAt"], now+DefaultSessionTTL.Milliseconds()),
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Wire maps round-trip through JSON in some store backends, so numeric
// fields may come back as float64 or json.Number rather than int64.

func asString(v interface{}, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func asBool(v interface{}, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func asInt64(v interface{}, def int64) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	return def
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}
