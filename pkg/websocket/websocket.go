package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"razbor.film/model"
	"razbor.film/pkg/utils"
)

// Client to coordinator methods.
const (
	MethodJoinSession   = "join-session"
	MethodStroke        = "stroke"
	MethodClearCanvas   = "clear-canvas"
	MethodMarkerAdded   = "marker-added"
	MethodMarkerDeleted = "marker-deleted"
	MethodSyncPlayback  = "sync-playback"
)

// Coordinator to client events.
const (
	EventSessionSnapshot   = "session-snapshot"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventStrokeReceived    = "stroke-received"
	EventCanvasCleared     = "canvas-cleared"
	EventMarkerSynced      = "marker-synced"
	EventPlaybackSynced    = "playback-synced"
)

type Channels interface {
	Subscribe(p *model.Participant, channels ...string)
	Unsubscribe(p *model.Participant, channels ...string)
	GetSubscribers(channel string) []*model.Participant
}

type (
	channels struct {
		sync.Mutex
		storage map[string]map[string]*model.Participant
	}

	// Message is the inbound request envelope. UserID, ConnID, RoomID and
	// SentAt are stamped by the coordinator, never trusted from the client.
	Message struct {
		ID     string                 `json:"id"`
		UserID string                 `json:"userId"`
		ConnID string                 `json:"connId"`
		RoomID string                 `json:"roomId"`
		Method string                 `json:"method"`
		SentAt time.Time              `json:"sentAt"`
		Params map[string]interface{} `json:"params"`
	}

	// Event is the outbound envelope fanned out to room subscribers.
	Event struct {
		Method string      `json:"method"`
		Params interface{} `json:"params"`
	}

	// Response acknowledges ingestion of a single request. A 200 ack only
	// means the message was accepted for relay, not that it survived
	// authority gating.
	Response struct {
		ID     string                 `json:"id"`
		Result map[string]interface{} `json:"result"`
	}
)

func NewChannels() Channels {
	return &channels{
		storage: make(map[string]map[string]*model.Participant),
	}
}

func (h *channels) Subscribe(p *model.Participant, channels ...string) {
	h.Lock()
	for _, ch := range channels {
		_, exists := h.storage[ch]
		if !exists {
			h.storage[ch] = make(map[string]*model.Participant)
		}
		h.storage[ch][p.GetID()] = p
	}
	h.Unlock()
}

func (h *channels) Unsubscribe(p *model.Participant, channels ...string) {
	h.Lock()
	for _, ch := range channels {
		subscribers, exists := h.storage[ch]
		if exists {
			delete(subscribers, p.GetID())
			if len(subscribers) == 0 {
				delete(h.storage, ch)
			}
		}
	}
	h.Unlock()
}

// GetSubscribers copies the channel's subscriber set under the lock:
// fan-out runs on worker goroutines while join/leave mutate the set.
func (h *channels) GetSubscribers(channel string) []*model.Participant {
	var result []*model.Participant
	h.Lock()
	if subscribers, exists := h.storage[channel]; exists {
		result = make([]*model.Participant, 0, len(subscribers))
		for _, s := range subscribers {
			result = append(result, s)
		}
	}
	h.Unlock()
	return result
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("invalid request id")
	}

	switch m.Method {
	case MethodJoinSession:
		videoID, ok := m.Params["videoId"].(string)
		if !ok || strings.TrimSpace(videoID) == "" {
			return fmt.Errorf("invalid '%s' request, param 'videoId' is required and must be string", m.Method)
		}
		userID, ok := m.Params["userId"].(string)
		if !ok || strings.TrimSpace(userID) == "" {
			return fmt.Errorf("invalid '%s' request, param 'userId' is required and must be string", m.Method)
		}
		userName, ok := m.Params["userName"].(string)
		if !ok || !utils.IsNameValid(userName) {
			return fmt.Errorf("invalid '%s' request, param 'userName' is required and must be a valid name", m.Method)
		}
	case MethodStroke:
		var stroke model.Stroke
		if err := m.DecodeParams(&stroke); err != nil {
			return fmt.Errorf("invalid '%s' request: %v", m.Method, err)
		}
		if !stroke.Valid() {
			return fmt.Errorf("invalid '%s' request, unknown tool or negative width", m.Method)
		}
	case MethodClearCanvas:
		// no params
	case MethodMarkerAdded:
		marker, ok := m.Params["marker"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("invalid '%s' request, param 'marker' is required and must be object", m.Method)
		}
		if id, ok := marker["id"].(string); !ok || strings.TrimSpace(id) == "" {
			return fmt.Errorf("invalid '%s' request, marker must carry a string 'id'", m.Method)
		}
	case MethodMarkerDeleted:
		markerID, ok := m.Params["markerId"].(string)
		if !ok || strings.TrimSpace(markerID) == "" {
			return fmt.Errorf("invalid '%s' request, param 'markerId' is required and must be string", m.Method)
		}
	case MethodSyncPlayback:
		if _, ok := m.Params["time"].(float64); !ok {
			return fmt.Errorf("invalid '%s' request, param 'time' is required and must be number", m.Method)
		}
		if _, ok := m.Params["playing"].(bool); !ok {
			return fmt.Errorf("invalid '%s' request, param 'playing' is required and must be bool", m.Method)
		}
	default:
		return fmt.Errorf("invalid request method: '%s'", m.Method)
	}

	return nil
}

// DecodeParams unmarshals the request params into a typed value.
func (m *Message) DecodeParams(v interface{}) error {
	b, err := json.Marshal(m.Params)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
