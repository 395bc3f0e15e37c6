package jam

// State is the client-local lifecycle of a session. The set of variants is
// closed: transitions are driven only by explicit Coordinator call results,
// never by passive time elapse. Expiry is discovered via Session.IsExpired
// on each snapshot, not pushed.
//
// Idle -> Creating -> WaitingForGuest -> Active, or
// Idle -> Joining -> Active, with StateError reachable from any attempt.
type State interface {
	state()
}

// Idle means no session is in progress.
type Idle struct{}

// Creating means a createSession call is in flight.
type Creating struct{}

// WaitingForGuest means the session exists and the host is waiting for
// someone to enter the code.
type WaitingForGuest struct {
	Code    string
	Session Session
}

// Joining means a joinSession call is in flight for the given code.
type Joining struct {
	Code string
}

// Active is a live session. It is terminal only via explicit leave or expiry
// detection; there is no server-pushed termination distinct from the session
// record disappearing.
type Active struct {
	Session Session
	IsHost  bool
}

// StateError is the absorbing failure state.
type StateError struct {
	Message string
}

func (Idle) state()            {}
func (Creating) state()        {}
func (WaitingForGuest) state() {}
func (Joining) state()         {}
func (Active) state()          {}
func (StateError) state()      {}

// Event describes something that happened inside an active session, derived
// by comparing consecutive snapshots. The set is closed so handlers can be
// exhaustive.
type Event interface {
	event()
}

type GuestJoined struct{ GuestName string }
type GuestLeft struct{}
type HostLeft struct{}
type TrackChanged struct {
	Title  string
	Artist string
}
type PlaybackChanged struct{ IsPlaying bool }
type SessionExpired struct{}

func (GuestJoined) event()     {}
func (GuestLeft) event()       {}
func (HostLeft) event()        {}
func (TrackChanged) event()    {}
func (PlaybackChanged) event() {}
func (SessionExpired) event()  {}

// DiffSessions derives the events implied by two consecutive snapshots of
// the same session, in a stable order: membership changes, then track, then
// playback, then expiry. HostLeft is never produced here: a departing host
// deletes the record, so it shows up as stream teardown, not as a snapshot.
func DiffSessions(prev, next Session) []Event {
	var events []Event

	for id, p := range next.Participants {
		if _, ok := prev.Participants[id]; !ok {
			events = append(events, GuestJoined{GuestName: p.Name})
		}
	}
	if len(next.Participants) == 0 && next.GuestID != "" && prev.GuestID != next.GuestID {
		events = append(events, GuestJoined{GuestName: next.GuestName})
	}
	for id := range prev.Participants {
		if _, ok := next.Participants[id]; !ok {
			events = append(events, GuestLeft{})
		}
	}
	if prev.GuestID != "" && next.GuestID == "" && len(next.Participants) == 0 {
		events = append(events, GuestLeft{})
	}

	if prev.CurrentTrackID != next.CurrentTrackID && next.CurrentTrackID != "" {
		events = append(events, TrackChanged{
			Title:  next.CurrentTrackTitle,
			Artist: next.CurrentTrackArtist,
		})
	}
	if prev.IsPlaying != next.IsPlaying {
		events = append(events, PlaybackChanged{IsPlaying: next.IsPlaying})
	}
	if !prev.IsExpired() && next.IsExpired() {
		events = append(events, SessionExpired{})
	}
	return events
}
