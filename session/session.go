package session

import (
	"sync"

	"razbor.film/model"
)

// RoomKeyPrefix scopes every film-study room channel.
const RoomKeyPrefix = "film-study:"

// RoomKey derives the room key for a studied video.
func RoomKey(videoID string) string {
	return RoomKeyPrefix + videoID
}

// Registry is the in-memory store of live sessions. It is passed in
// explicitly wherever it is needed, so tests and multiple coordinators
// can each own an isolated instance.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	strokeLimit int
}

func NewRegistry(strokeLimit int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		strokeLimit: strokeLimit,
	}
}

// GetOrCreate returns the session for roomKey, materializing a fresh one
// (time=0, paused, empty stroke log) if none exists. It never fails.
func (r *Registry) GetOrCreate(roomKey string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[roomKey]; exists {
		return s
	}
	s := &Session{
		key:          roomKey,
		strokeLimit:  r.strokeLimit,
		participants: make(map[string]*model.Participant),
	}
	r.sessions[roomKey] = s
	return s
}

// Get returns the live session for roomKey, if any.
func (r *Registry) Get(roomKey string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.sessions[roomKey]
	return s, exists
}

// RemoveIfEmpty garbage-collects the session once its last participant
// is gone. A later join for the same room starts from defaults.
func (r *Registry) RemoveIfEmpty(roomKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[roomKey]; exists && s.Empty() {
		delete(r.sessions, roomKey)
	}
}

// Len reports how many sessions are currently live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Session is the shared mutable state of one room. Relay workers may
// interleave across rooms, so every session guards itself.
type Session struct {
	mu           sync.RWMutex
	key          string
	strokeLimit  int
	participants map[string]*model.Participant
	joinOrder    []string
	playback     model.PlaybackState
	strokes      []model.Stroke
}

func (s *Session) Key() string {
	return s.key
}

// Reconcile inserts the participant or, on a rejoin with a known userId,
// overwrites the existing record's connection, name and role in place so
// tab refreshes never leave ghost duplicates. Two concurrent joins with
// the same userId both land here; the last write wins. On a rejoin the
// replaced connection id comes back so the caller can detach it.
func (s *Session) Reconcile(p *model.Participant) (prevConnID string, rejoined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, found := s.participants[p.UserID]; found {
		prevConnID = existing.ConnID
		existing.ConnID = p.ConnID
		existing.Name = p.Name
		existing.Role = p.Role
		existing.Conn = p.Conn
		return prevConnID, true
	}
	s.participants[p.UserID] = p
	s.joinOrder = append(s.joinOrder, p.UserID)
	return "", false
}

// RemoveConn removes the participant holding the given connection id.
// Removal is keyed by connection, not userId: a stale entry for the same
// user may already belong to a newer connection and must survive.
func (s *Session) RemoveConn(connID string) (*model.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, p := range s.participants {
		if p.ConnID != connID {
			continue
		}
		delete(s.participants, userID)
		for i, id := range s.joinOrder {
			if id == userID {
				s.joinOrder = append(s.joinOrder[:i], s.joinOrder[i+1:]...)
				break
			}
		}
		return p, true
	}
	return nil, false
}

func (s *Session) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants) == 0
}

// Participants returns the member list in join order. The entries are
// value copies taken under the lock: live records are rewritten in place
// on rejoin and must never be marshaled concurrently.
func (s *Session) Participants() []model.ParticipantInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.ParticipantInfo, 0, len(s.participants))
	for _, userID := range s.joinOrder {
		if p, found := s.participants[userID]; found {
			result = append(result, p.Info())
		}
	}
	return result
}

// Member returns a copy of the participant record for userID.
func (s *Session) Member(userID string) (model.ParticipantInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, found := s.participants[userID]; found {
		return p.Info(), true
	}
	return model.ParticipantInfo{}, false
}

// Authority reports whether userID holds an authority-tier role. The
// role checked is the one stored at join time, never a per-message claim.
func (s *Session) Authority(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, found := s.participants[userID]
	return found && p.Role.Authority()
}

func (s *Session) SetPlayback(ps model.PlaybackState) {
	s.mu.Lock()
	s.playback = ps
	s.mu.Unlock()
}

func (s *Session) Playback() model.PlaybackState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback
}

// AppendStroke adds a stroke to the replay log. The log is bounded:
// once the limit is hit the oldest entries are dropped, so a very long
// room cannot grow memory without end.
func (s *Session) AppendStroke(st model.Stroke) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strokes = append(s.strokes, st)
	if s.strokeLimit > 0 && len(s.strokes) > s.strokeLimit {
		overflow := len(s.strokes) - s.strokeLimit
		s.strokes = append(s.strokes[:0:0], s.strokes[overflow:]...)
	}
}

// ClearStrokes truncates the whole replay log.
func (s *Session) ClearStrokes() {
	s.mu.Lock()
	s.strokes = nil
	s.mu.Unlock()
}

func (s *Session) Strokes() []model.Stroke {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Stroke(nil), s.strokes...)
}

// Snapshot is the full session state unicast to a joining connection.
// It holds no references into live session records.
type Snapshot struct {
	Participants []model.ParticipantInfo `json:"participants"`
	CurrentTime  float64                 `json:"currentTime"`
	IsPlaying    bool                    `json:"isPlaying"`
	Duration     float64                 `json:"duration"`
	Strokes      []model.Stroke          `json:"strokes"`
}

func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Participants: make([]model.ParticipantInfo, 0, len(s.participants)),
		CurrentTime:  s.playback.CurrentTime,
		IsPlaying:    s.playback.IsPlaying,
		Duration:     s.playback.Duration,
		Strokes:      append([]model.Stroke{}, s.strokes...),
	}
	for _, userID := range s.joinOrder {
		if p, found := s.participants[userID]; found {
			snap.Participants = append(snap.Participants, p.Info())
		}
	}
	return snap
}
