package model

import (
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"razbor.film/pkg/utils"
)

// Role is the participation tier supplied at join time.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleCoach  Role = "coach"
	RoleAdmin  Role = "admin"
)

// ParseRole maps a client-supplied role string to a known Role,
// falling back to viewer.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleCoach:
		return RoleCoach
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleViewer
	}
}

// Authority reports whether the role may mutate shared playback and markers.
func (r Role) Authority() bool {
	return r == RoleCoach || r == RoleAdmin
}

type (
	// Video is a studied video registered through the REST API.
	Video struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		SourceURL string `json:"sourceUrl"`
	}

	// Participant is one user inside a session. ConnID changes on every
	// reconnect, UserID is the stable identity. The record is rewritten
	// in place on rejoin, so it never goes on the wire directly; see
	// ParticipantInfo.
	Participant struct {
		UserID string
		ConnID string
		Name   string
		Role   Role
		Color  string
		Conn   net.Conn

		writeMu sync.Mutex
	}

	// ParticipantInfo is the wire view of a participant, detached from
	// the live record so it can be marshaled outside session locks.
	ParticipantInfo struct {
		UserID string `json:"userId"`
		Name   string `json:"userName"`
		Role   Role   `json:"userRole"`
		Color  string `json:"color"`
	}

	// Point is a canvas coordinate.
	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// Stroke is one drawing operation on the shared overlay.
	Stroke struct {
		Tool           string  `json:"tool"`
		From           *Point  `json:"from,omitempty"`
		To             *Point  `json:"to,omitempty"`
		Points         []Point `json:"points,omitempty"`
		Color          string  `json:"color"`
		Width          float64 `json:"width"`
		VideoTimestamp float64 `json:"videoTimestamp"`
		AuthorUserID   string  `json:"authorUserId,omitempty"`
		AuthorName     string  `json:"authorName,omitempty"`
	}

	// PlaybackState is the single authoritative playback position of a room.
	PlaybackState struct {
		CurrentTime float64 `json:"currentTime"`
		IsPlaying   bool    `json:"isPlaying"`
		Duration    float64 `json:"duration"`
	}
)

var strokeTools = []string{"pen", "arrow", "circle", "rectangle", "eraser"}

func (p *Participant) GetID() string {
	return p.ConnID
}

// Info copies the serializable fields. The caller synchronizes access
// to the live record.
func (p *Participant) Info() ParticipantInfo {
	return ParticipantInfo{
		UserID: p.UserID,
		Name:   p.Name,
		Role:   p.Role,
		Color:  p.Color,
	}
}

// SendText writes one text frame to the connection. The write lock keeps
// relay fan-out, acks and keepalive pings from interleaving frames.
func (p *Participant) SendText(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsutil.WriteServerText(p.Conn, b)
}

// Ping writes a transport keepalive frame.
func (p *Participant) Ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsutil.WriteServerMessage(p.Conn, ws.OpPing, []byte("ping"))
}

func (v *Video) Valid() bool {
	return utils.IsLengthValid(v.Title, 2, 100) && utils.IsUrlValid(v.SourceURL)
}

func (s *Stroke) Valid() bool {
	return utils.InArray(strokeTools, s.Tool) && s.Width >= 0
}
