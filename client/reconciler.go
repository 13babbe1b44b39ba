package client

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"razbor.film/model"
	"razbor.film/pkg/websocket"
	"razbor.film/session"
)

// heartbeatInterval bounds follower drift while the authority plays.
const heartbeatInterval = time.Second * 2

// seekThreshold is the drift in seconds beyond which a follower forces a
// hard seek; smaller offsets are routine heartbeat noise and the local
// player keeps running uninterrupted.
const seekThreshold = 0.5

// VideoController is the uniform control surface over whatever player
// the client drives, native media element or embedded widget alike.
type VideoController interface {
	Seek(seconds float64)
	Play()
	Pause()
	CurrentTime() float64
	Duration() float64
}

// Emitter pushes an outbound protocol message. Conn implements it.
type Emitter interface {
	Emit(method string, params map[string]interface{}) error
}

// Reconciler applies inbound room events to local playback and overlay
// state, and decides when genuine local actions become outbound
// messages. While a network update is being applied the player callbacks
// it triggers are suppressed, so remote mutations never loop back out as
// new sync messages.
type Reconciler struct {
	mu sync.Mutex

	video   VideoController
	emitter Emitter
	role    model.Role

	// 1 while a remote update drives the player. Player callbacks may
	// fire synchronously from Seek/Play/Pause, so the controller is never
	// called under mu and this flag lives outside it.
	applyingRemote int32

	syncEnabled bool
	playing     bool

	participants []model.ParticipantInfo
	strokes      []model.Stroke
	markers      map[string]json.RawMessage

	onStroke func(model.Stroke)
	onClear  func()
}

func NewReconciler(video VideoController, emitter Emitter, role model.Role) *Reconciler {
	return &Reconciler{
		video:       video,
		emitter:     emitter,
		role:        role,
		syncEnabled: true,
		markers:     make(map[string]json.RawMessage),
	}
}

// OnStroke registers the overlay render callback. A late joiner gets it
// invoked once per logged stroke, in order.
func (r *Reconciler) OnStroke(fn func(model.Stroke)) {
	r.onStroke = fn
}

// OnClear registers the callback that wipes the whole rendered overlay.
func (r *Reconciler) OnClear(fn func()) {
	r.onClear = fn
}

// SetSyncEnabled toggles autonomy mode. While disabled the authority
// emits nothing and followers keep independent control.
func (r *Reconciler) SetSyncEnabled(enabled bool) {
	r.mu.Lock()
	r.syncEnabled = enabled
	r.mu.Unlock()
}

func (r *Reconciler) SyncEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncEnabled
}

func (r *Reconciler) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

func (r *Reconciler) Strokes() []model.Stroke {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Stroke(nil), r.strokes...)
}

func (r *Reconciler) Participants() []model.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ParticipantInfo(nil), r.participants...)
}

// Marker returns the opaque payload of a synced marker.
func (r *Reconciler) Marker(id string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, found := r.markers[id]
	return m, found
}

func (r *Reconciler) MarkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}

// Apply dispatches one inbound event to local state.
func (r *Reconciler) Apply(e *websocket.Event) error {
	switch e.Method {
	case websocket.EventSessionSnapshot:
		return r.applySnapshot(e)
	case websocket.EventPlaybackSynced:
		return r.applyPlayback(e)
	case websocket.EventStrokeReceived:
		return r.applyStroke(e)
	case websocket.EventCanvasCleared:
		r.applyClear()
		return nil
	case websocket.EventMarkerSynced:
		return r.applyMarker(e)
	case websocket.EventParticipantJoined, websocket.EventParticipantLeft:
		return r.applyParticipants(e)
	}
	return nil
}

func (r *Reconciler) applySnapshot(e *websocket.Event) error {
	var snap session.Snapshot
	if err := decodeParams(e.Params, &snap); err != nil {
		return err
	}

	r.mu.Lock()
	r.participants = snap.Participants
	r.strokes = append([]model.Stroke(nil), snap.Strokes...)
	r.playing = snap.IsPlaying
	onClear, onStroke := r.onClear, r.onStroke
	r.mu.Unlock()

	// The overlay is cumulative, so history replays in log order onto a
	// blank surface.
	if onClear != nil {
		onClear()
	}
	if onStroke != nil {
		for _, stroke := range snap.Strokes {
			onStroke(stroke)
		}
	}

	atomic.StoreInt32(&r.applyingRemote, 1)
	defer atomic.StoreInt32(&r.applyingRemote, 0)

	r.video.Seek(snap.CurrentTime)
	if snap.IsPlaying {
		r.video.Play()
	} else {
		r.video.Pause()
	}
	return nil
}

func (r *Reconciler) applyPlayback(e *websocket.Event) error {
	var state struct {
		Time     float64 `json:"time"`
		Playing  bool    `json:"playing"`
		Duration float64 `json:"duration"`
	}
	if err := decodeParams(e.Params, &state); err != nil {
		return err
	}

	r.mu.Lock()
	wasPlaying := r.playing
	r.playing = state.Playing
	r.mu.Unlock()

	atomic.StoreInt32(&r.applyingRemote, 1)
	defer atomic.StoreInt32(&r.applyingRemote, 0)

	if math.Abs(r.video.CurrentTime()-state.Time) > seekThreshold {
		r.video.Seek(state.Time)
	}
	if state.Playing != wasPlaying {
		if state.Playing {
			r.video.Play()
		} else {
			r.video.Pause()
		}
	}
	return nil
}

func (r *Reconciler) applyStroke(e *websocket.Event) error {
	var payload struct {
		Stroke model.Stroke `json:"stroke"`
	}
	if err := decodeParams(e.Params, &payload); err != nil {
		return err
	}

	r.mu.Lock()
	r.strokes = append(r.strokes, payload.Stroke)
	onStroke := r.onStroke
	r.mu.Unlock()

	if onStroke != nil {
		onStroke(payload.Stroke)
	}
	return nil
}

func (r *Reconciler) applyClear() {
	r.mu.Lock()
	r.strokes = nil
	onClear := r.onClear
	r.mu.Unlock()

	if onClear != nil {
		onClear()
	}
}

func (r *Reconciler) applyMarker(e *websocket.Event) error {
	var payload struct {
		Action   string          `json:"action"`
		Marker   json.RawMessage `json:"marker"`
		MarkerID string          `json:"markerId"`
	}
	if err := decodeParams(e.Params, &payload); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch payload.Action {
	case "add":
		var marker struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload.Marker, &marker); err != nil {
			return err
		}
		// add-or-replace by id
		r.markers[marker.ID] = payload.Marker
	case "delete":
		delete(r.markers, payload.MarkerID)
	}
	return nil
}

func (r *Reconciler) applyParticipants(e *websocket.Event) error {
	var payload struct {
		Participants []model.ParticipantInfo `json:"participants"`
	}
	if err := decodeParams(e.Params, &payload); err != nil {
		return err
	}

	r.mu.Lock()
	r.participants = payload.Participants
	r.mu.Unlock()
	return nil
}

// LocalPlay reports a play action observed on the local player.
func (r *Reconciler) LocalPlay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = true
	r.emitSync()
}

// LocalPause reports a pause action observed on the local player.
func (r *Reconciler) LocalPause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = false
	r.emitSync()
}

// LocalSeek reports a seek the local player already performed.
func (r *Reconciler) LocalSeek() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitSync()
}

// emitSync sends the current playback state if this client is the
// authority with sync mode on. Player callbacks fired while a network
// update is being applied land here too and are suppressed, breaking the
// echo loop.
func (r *Reconciler) emitSync() {
	if atomic.LoadInt32(&r.applyingRemote) == 1 {
		return
	}
	if !r.role.Authority() || !r.syncEnabled {
		return
	}
	_ = r.emitter.Emit(websocket.MethodSyncPlayback, map[string]interface{}{
		"time":     r.video.CurrentTime(),
		"playing":  r.playing,
		"duration": r.video.Duration(),
	})
}

// Run drives the authority heartbeat until ctx is cancelled. While the
// video plays, playback state goes out every tick even without a user
// action, bounding follower drift to roughly the interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Reconciler) heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.playing {
		return
	}
	r.emitSync()
}

func decodeParams(params interface{}, v interface{}) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
