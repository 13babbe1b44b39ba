package api

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"razbor.film/model"
	"razbor.film/pkg/websocket"
	"razbor.film/session"
)

// fakeConn buffers outbound frames so tests can read them back the way a
// browser client would.
type fakeConn struct {
	bytes.Buffer
}

func (c *fakeConn) Close() error                     { return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return nil }
func (c *fakeConn) RemoteAddr() net.Addr             { return nil }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func readEvents(t *testing.T, conn *fakeConn) []*websocket.Event {
	var events []*websocket.Event
	for conn.Len() > 0 {
		b, err := wsutil.ReadServerText(conn)
		require.NoError(t, err)

		var e websocket.Event
		require.NoError(t, json.Unmarshal(b, &e))
		events = append(events, &e)
	}
	return events
}

func decodeEventParams(t *testing.T, e *websocket.Event, v interface{}) {
	b, err := json.Marshal(e.Params)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func newTestRelay(strokeLimit int) (*Relay, *session.Registry) {
	registry := session.NewRegistry(strokeLimit)
	return NewRelay(registry, websocket.NewChannels()), registry
}

func join(r *Relay, videoID, userID, connID string, role model.Role) (*model.Participant, *fakeConn, string) {
	conn := &fakeConn{}
	p := &model.Participant{
		UserID: userID,
		ConnID: connID,
		Name:   "User " + userID,
		Role:   role,
		Conn:   conn,
	}
	roomKey := r.Join(videoID, p)
	return p, conn, roomKey
}

func roomMessage(roomKey, userID, connID, method string, params map[string]interface{}) *websocket.Message {
	return &websocket.Message{
		ID:     "msg-1",
		UserID: userID,
		ConnID: connID,
		RoomID: roomKey,
		Method: method,
		SentAt: time.Now(),
		Params: params,
	}
}

func TestJoinSnapshotAndAnnounce(t *testing.T) {
	relay, registry := newTestRelay(100)

	_, coachConn, roomKey := join(relay, "v1", "coach", "conn-a", model.RoleCoach)

	events := readEvents(t, coachConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventSessionSnapshot, events[0].Method)

	sess, exists := registry.Get(roomKey)
	require.True(t, exists)
	sess.SetPlayback(model.PlaybackState{CurrentTime: 42.5, IsPlaying: true, Duration: 5400})
	sess.AppendStroke(model.Stroke{Tool: "pen", Color: "#ff0000"})

	_, viewerConn, _ := join(relay, "v1", "viewer", "conn-b", model.RoleViewer)

	// The joiner only gets the snapshot, never its own join announcement.
	events = readEvents(t, viewerConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventSessionSnapshot, events[0].Method)

	var snap session.Snapshot
	decodeEventParams(t, events[0], &snap)
	assert.Len(t, snap.Participants, 2)
	assert.Equal(t, 42.5, snap.CurrentTime)
	assert.True(t, snap.IsPlaying)
	require.Len(t, snap.Strokes, 1)
	assert.Equal(t, "pen", snap.Strokes[0].Tool)

	// The earlier participant sees the announcement.
	events = readEvents(t, coachConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventParticipantJoined, events[0].Method)

	var announce struct {
		Participants []model.ParticipantInfo `json:"participants"`
	}
	decodeEventParams(t, events[0], &announce)
	assert.Len(t, announce.Participants, 2)
}

func TestSyncPlaybackAuthorityGate(t *testing.T) {
	relay, registry := newTestRelay(100)

	_, coachConn, roomKey := join(relay, "v1", "coach", "conn-a", model.RoleCoach)
	_, viewerConn, _ := join(relay, "v1", "viewer", "conn-b", model.RoleViewer)
	readEvents(t, coachConn)
	readEvents(t, viewerConn)

	// A viewer's sync is silently dropped, not even an error goes back.
	relay.Dispatch(roomMessage(roomKey, "viewer", "conn-b", websocket.MethodSyncPlayback,
		map[string]interface{}{"time": 99.0, "playing": true, "duration": 5400.0}))

	assert.Empty(t, readEvents(t, coachConn))
	assert.Empty(t, readEvents(t, viewerConn))

	sess, _ := registry.Get(roomKey)
	assert.Equal(t, model.PlaybackState{}, sess.Playback())

	// The coach's sync updates the session and reaches everyone else.
	relay.Dispatch(roomMessage(roomKey, "coach", "conn-a", websocket.MethodSyncPlayback,
		map[string]interface{}{"time": 42.5, "playing": true, "duration": 5400.0}))

	assert.Equal(t, 42.5, sess.Playback().CurrentTime)
	assert.True(t, sess.Playback().IsPlaying)

	assert.Empty(t, readEvents(t, coachConn))
	events := readEvents(t, viewerConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventPlaybackSynced, events[0].Method)

	var state struct {
		Time    float64 `json:"time"`
		Playing bool    `json:"playing"`
	}
	decodeEventParams(t, events[0], &state)
	assert.Equal(t, 42.5, state.Time)
	assert.True(t, state.Playing)
}

func TestStrokeRelay(t *testing.T) {
	relay, registry := newTestRelay(100)

	_, coachConn, roomKey := join(relay, "v1", "coach", "conn-a", model.RoleCoach)
	_, viewerConn, _ := join(relay, "v1", "viewer", "conn-b", model.RoleViewer)
	readEvents(t, coachConn)
	readEvents(t, viewerConn)

	// Drawing is open to every participant, viewers included.
	relay.Dispatch(roomMessage(roomKey, "viewer", "conn-b", websocket.MethodStroke,
		map[string]interface{}{
			"tool":           "arrow",
			"from":           map[string]interface{}{"x": 1.0, "y": 2.0},
			"to":             map[string]interface{}{"x": 3.0, "y": 4.0},
			"color":          "#00ff00",
			"width":          3.0,
			"videoTimestamp": 17.25,
		}))

	assert.Empty(t, readEvents(t, viewerConn))
	events := readEvents(t, coachConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventStrokeReceived, events[0].Method)

	var payload struct {
		Stroke       model.Stroke `json:"stroke"`
		FromUserID   string       `json:"fromUserId"`
		FromUserName string       `json:"fromUserName"`
	}
	decodeEventParams(t, events[0], &payload)
	assert.Equal(t, "arrow", payload.Stroke.Tool)
	assert.Equal(t, "viewer", payload.FromUserID)
	assert.Equal(t, "User viewer", payload.FromUserName)

	sess, _ := registry.Get(roomKey)
	strokes := sess.Strokes()
	require.Len(t, strokes, 1)
	assert.Equal(t, "viewer", strokes[0].AuthorUserID)
}

func TestClearCanvas(t *testing.T) {
	relay, registry := newTestRelay(100)

	_, coachConn, roomKey := join(relay, "v1", "coach", "conn-a", model.RoleCoach)
	_, viewerConn, _ := join(relay, "v1", "viewer", "conn-b", model.RoleViewer)
	readEvents(t, coachConn)
	readEvents(t, viewerConn)

	sess, _ := registry.Get(roomKey)
	sess.AppendStroke(model.Stroke{Tool: "pen"})

	relay.Dispatch(roomMessage(roomKey, "coach", "conn-a", websocket.MethodClearCanvas, nil))

	assert.Empty(t, sess.Strokes())
	assert.Empty(t, readEvents(t, coachConn))
	events := readEvents(t, viewerConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventCanvasCleared, events[0].Method)
}

func TestMarkerAuthorityGate(t *testing.T) {
	relay, _ := newTestRelay(100)

	_, coachConn, roomKey := join(relay, "v1", "coach", "conn-a", model.RoleCoach)
	_, viewerConn, _ := join(relay, "v1", "viewer", "conn-b", model.RoleViewer)
	readEvents(t, coachConn)
	readEvents(t, viewerConn)

	relay.Dispatch(roomMessage(roomKey, "viewer", "conn-b", websocket.MethodMarkerAdded,
		map[string]interface{}{"marker": map[string]interface{}{"id": "m1"}}))
	assert.Empty(t, readEvents(t, coachConn))

	relay.Dispatch(roomMessage(roomKey, "coach", "conn-a", websocket.MethodMarkerAdded,
		map[string]interface{}{"marker": map[string]interface{}{"id": "m1", "time": 12.5}}))

	events := readEvents(t, viewerConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventMarkerSynced, events[0].Method)

	var added struct {
		Action string                 `json:"action"`
		Marker map[string]interface{} `json:"marker"`
	}
	decodeEventParams(t, events[0], &added)
	assert.Equal(t, "add", added.Action)
	assert.Equal(t, "m1", added.Marker["id"])

	relay.Dispatch(roomMessage(roomKey, "coach", "conn-a", websocket.MethodMarkerDeleted,
		map[string]interface{}{"markerId": "m1"}))

	events = readEvents(t, viewerConn)
	require.Len(t, events, 1)

	var deleted struct {
		Action   string `json:"action"`
		MarkerID string `json:"markerId"`
	}
	decodeEventParams(t, events[0], &deleted)
	assert.Equal(t, "delete", deleted.Action)
	assert.Equal(t, "m1", deleted.MarkerID)
}

func TestDisconnectAndRoomGC(t *testing.T) {
	relay, registry := newTestRelay(100)

	_, coachConn, roomKey := join(relay, "v1", "coach", "conn-a", model.RoleCoach)
	_, viewerConn, _ := join(relay, "v1", "viewer", "conn-b", model.RoleViewer)
	readEvents(t, coachConn)
	readEvents(t, viewerConn)

	relay.Disconnect(roomKey, "conn-b")

	events := readEvents(t, coachConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventParticipantLeft, events[0].Method)

	var left struct {
		Participants []model.ParticipantInfo `json:"participants"`
	}
	decodeEventParams(t, events[0], &left)
	assert.Len(t, left.Participants, 1)

	// A second disconnect for the same connection is a no-op.
	relay.Disconnect(roomKey, "conn-b")
	assert.Empty(t, readEvents(t, coachConn))

	relay.Disconnect(roomKey, "conn-a")
	assert.Equal(t, 0, registry.Len())
}

func TestDispatchUnknownRoom(t *testing.T) {
	relay, _ := newTestRelay(100)

	// Must not panic or create a room as a side effect.
	relay.Dispatch(roomMessage("film-study:ghost", "coach", "conn-a", websocket.MethodSyncPlayback,
		map[string]interface{}{"time": 1.0, "playing": true, "duration": 10.0}))
}

func TestRejoinReplacesConnection(t *testing.T) {
	relay, registry := newTestRelay(100)

	_, oldConn, roomKey := join(relay, "v1", "coach", "conn-a", model.RoleCoach)
	readEvents(t, oldConn)

	// Refresh: same user joins again on a new connection before the old
	// one is reaped.
	_, newConn, _ := join(relay, "v1", "coach", "conn-b", model.RoleCoach)
	events := readEvents(t, newConn)
	require.Len(t, events, 1)
	assert.Equal(t, websocket.EventSessionSnapshot, events[0].Method)

	sess, _ := registry.Get(roomKey)
	assert.Len(t, sess.Participants(), 1)

	// The replaced connection is detached from room traffic right away.
	relay.Dispatch(roomMessage(roomKey, "coach", "conn-b", websocket.MethodClearCanvas, nil))
	assert.Empty(t, readEvents(t, oldConn))

	// The late close of the replaced connection must not evict the user.
	relay.Disconnect(roomKey, "conn-a")
	assert.Len(t, sess.Participants(), 1)
	assert.True(t, sess.Authority("coach"))
}
