package jam

import (
	"strconv"
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	now := time.Now().UnixMilli()

	session := NewSession("abc123", "654321", "host-1", "Alice", "alice.png")
	session.Participants["guest-1"] = Participant{
		ID: "guest-1", Name: "Bob", JoinedAt: now, IsOnline: true,
	}
	session.Participants["guest-2"] = Participant{
		ID: "guest-2", Name: "Carol", JoinedAt: now + 1, IsOnline: true,
	}
	session.CurrentTrackID = "track-9"
	session.CurrentTrackTitle = "Song"
	session.CurrentTrackArtist = "Artist"
	session.CurrentPosition = 42000
	session.IsPlaying = true
	session.Queue = []QueueItem{
		{ID: "q1", TrackID: "t1", Title: "First", AddedBy: "guest-1", AddedAt: now},
		{ID: "q2", TrackID: "t2", Title: "Second", AddedBy: "guest-2", AddedAt: now + 5},
	}
	session.Reactions["r1"] = Reaction{ID: "r1", Emoji: "🔥", SenderID: "guest-1", Timestamp: now}

	got := SessionFromMap(session.ToMap())

	if got.SessionID != session.SessionID || got.SessionCode != session.SessionCode {
		t.Errorf("identity fields changed: got %s/%s", got.SessionID, got.SessionCode)
	}
	if got.HostID != "host-1" || got.HostName != "Alice" {
		t.Errorf("host fields changed: %s/%s", got.HostID, got.HostName)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(got.Participants))
	}
	if got.Participants["guest-2"].Name != "Carol" {
		t.Errorf("participant lost: %+v", got.Participants["guest-2"])
	}
	if got.CurrentPosition != 42000 || !got.IsPlaying {
		t.Errorf("playback fields changed: pos=%d playing=%v", got.CurrentPosition, got.IsPlaying)
	}
	if len(got.Queue) != 2 {
		t.Fatalf("expected 2 queue items, got %d", len(got.Queue))
	}
	if got.Queue[0].ID != "q1" || got.Queue[1].ID != "q2" {
		t.Errorf("queue order lost: %s, %s", got.Queue[0].ID, got.Queue[1].ID)
	}
	if len(got.Reactions) != 1 || got.Reactions["r1"].Emoji != "🔥" {
		t.Errorf("reactions changed: %+v", got.Reactions)
	}
	if got.ExpiresAt != session.ExpiresAt {
		t.Errorf("expiry changed: %d != %d", got.ExpiresAt, session.ExpiresAt)
	}
}

func TestSessionFromMapDefaults(t *testing.T) {
	got := SessionFromMap(map[string]interface{}{})

	if got.MaxParticipants != DefaultMaxParticipants {
		t.Errorf("expected default max participants, got %d", got.MaxParticipants)
	}
	if got.IsPlaying {
		t.Error("expected paused by default")
	}
	if got.ParticipantCount() != 0 {
		t.Errorf("expected empty session, got %d participants", got.ParticipantCount())
	}
	if got.IsExpired() {
		t.Error("fresh default session should not be expired")
	}
}

func TestSessionFromMapNumericCoercion(t *testing.T) {
	// JSON round-trips deliver numbers as float64.
	got := SessionFromMap(map[string]interface{}{
		"maxParticipants": float64(4),
		"currentPosition": float64(1500),
		"lastUpdated":     float64(1700000000000),
	})

	if got.MaxParticipants != 4 {
		t.Errorf("maxParticipants: got %d, want 4", got.MaxParticipants)
	}
	if got.CurrentPosition != 1500 {
		t.Errorf("currentPosition: got %d, want 1500", got.CurrentPosition)
	}
	if got.LastUpdated != 1700000000000 {
		t.Errorf("lastUpdated: got %d", got.LastUpdated)
	}
}

func TestParticipantCount(t *testing.T) {
	now := time.Now().UnixMilli()

	tests := []struct {
		name    string
		session Session
		want    int
	}{
		{
			name:    "empty session",
			session: Session{},
			want:    0,
		},
		{
			name:    "legacy guest only",
			session: Session{GuestID: "g1"},
			want:    1,
		},
		{
			name: "participant map only",
			session: Session{Participants: map[string]Participant{
				"a": {ID: "a"}, "b": {ID: "b"},
			}},
			want: 2,
		},
		{
			name: "map takes precedence over legacy guest",
			session: Session{
				GuestID: "g1",
				Participants: map[string]Participant{
					"a": {ID: "a", JoinedAt: now},
					"b": {ID: "b", JoinedAt: now},
					"c": {ID: "c", JoinedAt: now},
				},
			},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.ParticipantCount(); got != tt.want {
				t.Errorf("ParticipantCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsFull(t *testing.T) {
	session := Session{
		MaxParticipants: 2,
		Participants: map[string]Participant{
			"a": {ID: "a"},
		},
	}
	if session.IsFull() {
		t.Error("one of two slots used, should not be full")
	}
	session.Participants["b"] = Participant{ID: "b"}
	if !session.IsFull() {
		t.Error("both slots used, should be full")
	}
}

func TestParticipantListOrdering(t *testing.T) {
	session := Session{Participants: map[string]Participant{
		"late":  {ID: "late", Name: "Late", JoinedAt: 300},
		"early": {ID: "early", Name: "Early", JoinedAt: 100},
		"mid":   {ID: "mid", Name: "Mid", JoinedAt: 200},
	}}

	list := session.ParticipantList()
	if len(list) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(list))
	}
	for i, want := range []string{"early", "mid", "late"} {
		if list[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestParticipantListLegacyGuest(t *testing.T) {
	session := Session{GuestID: "g1"}

	list := session.ParticipantList()
	if len(list) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(list))
	}
	if list[0].ID != "g1" || list[0].Name != "Guest" {
		t.Errorf("expected default guest name, got %+v", list[0])
	}
}

func TestSystemMessage(t *testing.T) {
	msg := SystemMessage("sess-1", "Bob joined the session")

	if !msg.IsSystem {
		t.Error("system message must carry the system flag")
	}
	if msg.SenderID != "system" || msg.SenderName != "System" {
		t.Errorf("unexpected sender: %s/%s", msg.SenderID, msg.SenderName)
	}
	if msg.SessionID != "sess-1" || msg.Message != "Bob joined the session" {
		t.Errorf("unexpected content: %+v", msg)
	}
	if msg.ID == "" {
		t.Error("expected generated id")
	}
}

func TestGenerateSessionCode(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code := GenerateSessionCode()
		if len(code) != 6 {
			t.Fatalf("code %q is not six digits", code)
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			t.Fatalf("code %q is not numeric: %v", code, err)
		}
		if n < 100000 || n > 999999 {
			t.Fatalf("code %d outside [100000, 999999]", n)
		}
	}
}
