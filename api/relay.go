package api

import (
	"encoding/json"

	"github.com/labstack/gommon/log"

	"razbor.film/model"
	"razbor.film/pkg/websocket"
	"razbor.film/session"
)

// Relay authorizes inbound room messages, applies them to the session
// store and fans the resulting events out to every other connection in
// the room. It owns no transport; the API feeds it through the broker.
type Relay struct {
	sessions *session.Registry
	channels websocket.Channels
}

func NewRelay(sessions *session.Registry, channels websocket.Channels) *Relay {
	return &Relay{sessions: sessions, channels: channels}
}

// Join attaches a connection to its room, reconciles participant
// identity, announces the join to the others and unicasts the full
// session snapshot back to the joiner.
func (r *Relay) Join(videoID string, p *model.Participant) string {
	roomKey := session.RoomKey(videoID)
	sess := r.sessions.GetOrCreate(roomKey)

	prevConnID, rejoined := sess.Reconcile(p)
	if rejoined && prevConnID != p.ConnID {
		// The replaced connection must stop receiving room traffic even
		// though its socket may linger until its own read loop fails.
		r.channels.Unsubscribe(&model.Participant{ConnID: prevConnID}, roomKey)
	}
	r.channels.Subscribe(p, roomKey)

	r.broadcast(roomKey, p.ConnID, &websocket.Event{
		Method: websocket.EventParticipantJoined,
		Params: map[string]interface{}{"participants": sess.Participants()},
	})

	r.unicast(p, &websocket.Event{
		Method: websocket.EventSessionSnapshot,
		Params: sess.Snapshot(),
	})

	log.Infof("user %s joined room %s (rejoin: %v)", p.UserID, roomKey, rejoined)
	return roomKey
}

// Disconnect is the only leave path. Removal is keyed by connection id:
// the userId may already be owned by a newer connection after a refresh.
func (r *Relay) Disconnect(roomKey, connID string) {
	sess, exists := r.sessions.Get(roomKey)
	if !exists {
		return
	}

	p, removed := sess.RemoveConn(connID)
	if !removed {
		return
	}
	r.channels.Unsubscribe(p, roomKey)

	r.broadcast(roomKey, connID, &websocket.Event{
		Method: websocket.EventParticipantLeft,
		Params: map[string]interface{}{"participants": sess.Participants()},
	})

	r.sessions.RemoveIfEmpty(roomKey)
	log.Infof("user %s left room %s", p.UserID, roomKey)
}

// Dispatch applies one validated in-room message. Protocol failures are
// never surfaced to the sender; a dropped sync self-corrects on the next
// heartbeat.
func (r *Relay) Dispatch(msg *websocket.Message) {
	sess, exists := r.sessions.Get(msg.RoomID)
	if !exists {
		return
	}

	switch msg.Method {
	case websocket.MethodSyncPlayback:
		r.syncPlayback(sess, msg)
	case websocket.MethodStroke:
		r.relayStroke(sess, msg)
	case websocket.MethodClearCanvas:
		r.clearCanvas(sess, msg)
	case websocket.MethodMarkerAdded, websocket.MethodMarkerDeleted:
		r.syncMarker(sess, msg)
	}
}

// syncPlayback is authority-gated: a non-authority sender is dropped
// with no reply so a misbehaving viewer cannot corrupt shared state.
func (r *Relay) syncPlayback(sess *session.Session, msg *websocket.Message) {
	if !sess.Authority(msg.UserID) {
		log.Debugf("dropped sync-playback from non-authority %s in %s", msg.UserID, msg.RoomID)
		return
	}

	t, _ := msg.Params["time"].(float64)
	playing, _ := msg.Params["playing"].(bool)
	duration, _ := msg.Params["duration"].(float64)

	sess.SetPlayback(model.PlaybackState{
		CurrentTime: t,
		IsPlaying:   playing,
		Duration:    duration,
	})

	r.broadcast(msg.RoomID, msg.ConnID, &websocket.Event{
		Method: websocket.EventPlaybackSynced,
		Params: map[string]interface{}{
			"time":     t,
			"playing":  playing,
			"duration": duration,
		},
	})
}

// relayStroke is deliberately not authority-gated: every participant may
// draw on the shared overlay.
func (r *Relay) relayStroke(sess *session.Session, msg *websocket.Message) {
	var stroke model.Stroke
	if err := msg.DecodeParams(&stroke); err != nil {
		log.Warn(err)
		return
	}

	stroke.AuthorUserID = msg.UserID
	fromName := ""
	if p, found := sess.Member(msg.UserID); found {
		fromName = p.Name
		stroke.AuthorName = p.Name
	}
	sess.AppendStroke(stroke)

	r.broadcast(msg.RoomID, msg.ConnID, &websocket.Event{
		Method: websocket.EventStrokeReceived,
		Params: map[string]interface{}{
			"stroke":       stroke,
			"fromUserId":   msg.UserID,
			"fromUserName": fromName,
		},
	})
}

func (r *Relay) clearCanvas(sess *session.Session, msg *websocket.Message) {
	sess.ClearStrokes()

	byName := ""
	if p, found := sess.Member(msg.UserID); found {
		byName = p.Name
	}

	r.broadcast(msg.RoomID, msg.ConnID, &websocket.Event{
		Method: websocket.EventCanvasCleared,
		Params: map[string]interface{}{
			"byUserId":   msg.UserID,
			"byUserName": byName,
		},
	})
}

// syncMarker only propagates marker changes that the external store has
// already persisted; payloads stay opaque to the core.
func (r *Relay) syncMarker(sess *session.Session, msg *websocket.Message) {
	if !sess.Authority(msg.UserID) {
		log.Debugf("dropped %s from non-authority %s in %s", msg.Method, msg.UserID, msg.RoomID)
		return
	}

	var params map[string]interface{}
	if msg.Method == websocket.MethodMarkerAdded {
		params = map[string]interface{}{
			"action": "add",
			"marker": msg.Params["marker"],
		}
	} else {
		params = map[string]interface{}{
			"action":   "delete",
			"markerId": msg.Params["markerId"],
		}
	}

	r.broadcast(msg.RoomID, msg.ConnID, &websocket.Event{
		Method: websocket.EventMarkerSynced,
		Params: params,
	})
}

// broadcast fans an event out to every room subscriber except the
// connection that triggered it.
func (r *Relay) broadcast(roomKey, excludeConnID string, e *websocket.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error(err)
		return
	}

	for _, sub := range r.channels.GetSubscribers(roomKey) {
		if sub.GetID() == excludeConnID {
			continue
		}
		if err := sub.SendText(b); err != nil {
			log.Warnf("failed to push %s to conn %s: %v", e.Method, sub.GetID(), err)
		}
	}
}

func (r *Relay) unicast(p *model.Participant, e *websocket.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error(err)
		return
	}
	if err := p.SendText(b); err != nil {
		log.Warnf("failed to push %s to conn %s: %v", e.Method, p.ConnID, err)
	}
}
