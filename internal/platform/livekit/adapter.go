// Package livekit joins a LiveKit room as a listening participant.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/LastBotInc/virtual-participant/internal/audio"
	"github.com/LastBotInc/virtual-participant/internal/logging"
	"github.com/LastBotInc/virtual-participant/internal/platform"
	"github.com/LastBotInc/virtual-participant/internal/session"
)

// AgentPrefix marks automated participants; they never count as attendees
// and are never reported as speakers.
const AgentPrefix = "agent-"

const (
	roomCheckTimeout = 10 * time.Second
	aloneCheckPeriod = 5 * time.Second
	tokenValidity    = 6 * time.Hour
)

// Config holds what the adapter needs to join one room.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	// Room is the meeting identifier.
	Room string
	// Token is a pre-signed join token; when empty one is minted from the
	// API key and secret.
	Token            string
	Identity         string
	DisplayName      string
	IntroMessage     string
	AdmissionTimeout time.Duration
	AloneGrace       time.Duration
	SampleRate       int
	Channels         int
}

// Adapter implements platform.Adapter for LiveKit.
type Adapter struct {
	cfg         Config
	roomService *lksdk.RoomServiceClient

	room  *lksdk.Room
	mixer *audio.Mixer

	tracksMu sync.Mutex
	tracks   map[string]*IngressTrack

	emitMu      sync.Mutex
	emitClosed  bool
	speakers    chan session.SpeakerChange
	messages    chan session.Message
	lastSpeaker string

	ended     chan platform.EndReason
	endOnce   sync.Once
	leaveOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates an adapter. Nothing is dialed until Join.
func New(cfg Config) *Adapter {
	if cfg.Identity == "" {
		cfg.Identity = AgentPrefix + "participant"
	}
	if cfg.Channels < 1 {
		cfg.Channels = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:      cfg,
		mixer:    audio.NewMixer(cfg.SampleRate, cfg.Channels),
		tracks:   make(map[string]*IngressTrack),
		speakers: make(chan session.SpeakerChange, 64),
		messages: make(chan session.Message, 64),
		ended:    make(chan platform.EndReason, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		a.roomService = lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	}
	return a
}

func (a *Adapter) SpeakerChanges() <-chan session.SpeakerChange { return a.speakers }
func (a *Adapter) Messages() <-chan session.Message { return a.messages }
func (a *Adapter) Audio() <-chan []byte { return a.mixer.Output() }

// Join checks the room exists, connects within the admission timeout and
// posts the introduction message.
func (a *Adapter) Join(ctx context.Context) (platform.JoinOutcome, error) {
	logging.Info(logging.CategoryPlatform, "joining room room=%s identity=%s", a.cfg.Room, a.cfg.Identity)

	if err := a.checkRoom(ctx); err != nil {
		return platform.JoinOutcome{}, err
	}

	token := a.cfg.Token
	if token == "" {
		var err error
		token, err = a.buildToken()
		if err != nil {
			return platform.JoinOutcome{}, platform.NewJoinError(platform.Unknown, fmt.Errorf("build token: %w", err))
		}
	}

	admission := a.cfg.AdmissionTimeout
	if admission <= 0 {
		admission = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, admission)
	defer cancel()

	type connectResult struct {
		room *lksdk.Room
		err  error
	}
	resultCh := make(chan connectResult, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(a.cfg.URL, token, a.callbacks(), lksdk.WithAutoSubscribe(true))
		resultCh <- connectResult{room, err}
	}()

	var res connectResult
	select {
	case <-ctx.Done():
		// a late connection must not linger in the room
		go func() {
			if late := <-resultCh; late.room != nil {
				late.room.Disconnect()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return platform.JoinOutcome{}, platform.NewJoinError(platform.Timeout, fmt.Errorf("admission not granted within %v", admission))
		}
		return platform.JoinOutcome{}, platform.NewJoinError(platform.Unknown, ctx.Err())
	case res = <-resultCh:
	}
	if res.err != nil {
		return platform.JoinOutcome{}, classifyConnectError(res.err)
	}

	a.room = res.room
	logging.Success(logging.CategoryPlatform, "connected to room room=%s identity=%s", a.room.Name(), a.room.LocalParticipant.Identity())

	a.mixer.Start()
	a.attachExisting()

	a.wg.Add(1)
	go a.watchAttendees()

	if a.cfg.IntroMessage != "" {
		if err := a.Send(ctx, a.cfg.IntroMessage); err != nil {
			logging.Warning(logging.CategoryPlatform, "failed to send introduction: %v", err)
		}
	}

	return platform.JoinOutcome{
		MeetingName: a.room.Name(),
		Identity:    a.room.LocalParticipant.Identity(),
		JoinedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) checkRoom(ctx context.Context) error {
	if a.roomService == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, roomCheckTimeout)
	defer cancel()

	resp, err := a.roomService.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{a.cfg.Room}})
	if err != nil {
		return classifyConnectError(fmt.Errorf("list rooms: %w", err))
	}
	if len(resp.GetRooms()) == 0 {
		return platform.NewJoinError(platform.InvalidMeeting, fmt.Errorf("room %q not found", a.cfg.Room))
	}
	return nil
}

func (a *Adapter) buildToken() (string, error) {
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return "", errors.New("no api key or token configured")
	}
	at := auth.NewAccessToken(a.cfg.APIKey, a.cfg.APISecret)
	canSubscribe, canPublishData := true, true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           a.cfg.Room,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}
	at.AddGrant(grant).
		SetIdentity(a.cfg.Identity).
		SetName(a.cfg.DisplayName).
		SetValidFor(tokenValidity)
	return at.ToJWT()
}

func (a *Adapter) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnDisconnectedWithReason: func(reason lksdk.DisconnectionReason) {
			logging.Info(logging.CategoryPlatform, "disconnected from room reason=%s", reason)
			switch reason {
			case lksdk.RoomClosed:
				a.end(platform.EndMeetingEnded)
			case lksdk.ParticipantRemoved, lksdk.DuplicateIdentity:
				a.end(platform.EndRemoved)
			case lksdk.LeaveRequested:
				a.end(platform.EndLeft)
			default:
				a.end(platform.EndMeetingEnded)
			}
		},
		OnParticipantConnected: func(p *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryPlatform, "participant connected identity=%s", p.Identity())
		},
		OnParticipantDisconnected: func(p *lksdk.RemoteParticipant) {
			logging.Info(logging.CategoryPlatform, "participant disconnected identity=%s", p.Identity())
			a.removeTrack(p.Identity())
		},
		OnActiveSpeakersChanged: func(speakers []lksdk.Participant) {
			names := make([]string, 0, len(speakers))
			for _, p := range speakers {
				if strings.HasPrefix(p.Identity(), AgentPrefix) {
					continue
				}
				names = append(names, displayName(p.Name(), p.Identity()))
			}
			a.onActiveSpeakers(names, time.Now())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				a.handleTrack(rp.Identity(), track)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() == webrtc.RTPCodecTypeAudio {
					a.removeTrack(rp.Identity())
				}
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				pkt, ok := data.(*lksdk.UserDataPacket)
				if !ok {
					return
				}
				if pkt.Topic != ChatTopic {
					return
				}
				sender := params.SenderIdentity
				if params.Sender != nil {
					sender = displayName(params.Sender.Name(), params.Sender.Identity())
				}
				a.onChat(sender, pkt.Payload)
			},
		},
	}
}

func displayName(name, identity string) string {
	if name != "" {
		return name
	}
	return identity
}

// onActiveSpeakers reports the loudest speaker when it changes.
func (a *Adapter) onActiveSpeakers(names []string, at time.Time) {
	if len(names) == 0 {
		return
	}
	name := names[0]

	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.emitClosed || name == a.lastSpeaker {
		return
	}
	a.lastSpeaker = name
	select {
	case a.speakers <- session.SpeakerChange{Name: name, Timestamp: at}:
		logging.Debug(logging.CategoryPlatform, "speaker changed name=%s", name)
	default:
		logging.Warning(logging.CategoryPlatform, "speaker change dropped, consumer is behind name=%s", name)
	}
}

func (a *Adapter) onChat(sender string, payload []byte) {
	text, at, err := decodeChat(payload)
	if err != nil {
		logging.Debug(logging.CategoryPlatform, "ignoring chat packet from %s: %v", sender, err)
		return
	}

	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.emitClosed {
		return
	}
	select {
	case a.messages <- session.Message{Sender: sender, Text: text, At: at}:
	default:
		logging.Warning(logging.CategoryPlatform, "chat message dropped, consumer is behind sender=%s", sender)
	}
}

func (a *Adapter) attachExisting() {
	for _, p := range a.room.GetRemoteParticipants() {
		identity := p.Identity()
		if strings.HasPrefix(identity, AgentPrefix) {
			continue
		}
		logging.Info(logging.CategoryPlatform, "existing participant identity=%s", identity)
		for _, pub := range p.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok {
				continue
			}
			if !remotePub.IsSubscribed() {
				remotePub.SetSubscribed(true)
				continue
			}
			if remoteTrack, ok := remotePub.Track().(*webrtc.TrackRemote); ok {
				a.handleTrack(identity, remoteTrack)
			}
		}
	}
}

func (a *Adapter) handleTrack(identity string, track *webrtc.TrackRemote) {
	if strings.HasPrefix(identity, AgentPrefix) {
		return
	}

	a.tracksMu.Lock()
	defer a.tracksMu.Unlock()
	if a.ctx.Err() != nil {
		return
	}
	if _, exists := a.tracks[identity]; exists {
		logging.Warning(logging.CategoryPlatform, "track already exists participant=%s", identity)
		return
	}

	ingress, err := NewIngressTrack(identity, a.cfg.SampleRate, a.mixer)
	if err != nil {
		logging.Error(logging.CategoryPlatform, "failed to create ingress track participant=%s: %v", identity, err)
		return
	}
	a.tracks[identity] = ingress
	ingress.Start(track)
}

func (a *Adapter) removeTrack(identity string) {
	a.tracksMu.Lock()
	track, exists := a.tracks[identity]
	delete(a.tracks, identity)
	a.tracksMu.Unlock()

	if exists {
		track.Stop()
		a.mixer.Remove(identity)
		logging.Info(logging.CategoryPlatform, "removed audio track participant=%s", identity)
	}
}

// attendees counts remote humans in the room.
func (a *Adapter) attendees() int {
	if a.room == nil {
		return 0
	}
	identities := make([]string, 0)
	for _, p := range a.room.GetRemoteParticipants() {
		identities = append(identities, p.Identity())
	}
	return countAttendees(identities)
}

func countAttendees(identities []string) int {
	n := 0
	for _, id := range identities {
		if !strings.HasPrefix(id, AgentPrefix) {
			n++
		}
	}
	return n
}

// watchAttendees ends the meeting once nobody else has been in the room for
// the grace period.
func (a *Adapter) watchAttendees() {
	defer a.wg.Done()

	ticker := time.NewTicker(aloneCheckPeriod)
	defer ticker.Stop()

	w := aloneWatch{grace: a.cfg.AloneGrace}
	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			if w.observe(a.attendees(), now) {
				logging.Info(logging.CategoryPlatform, "alone in room for %v, leaving", a.cfg.AloneGrace)
				a.end(platform.EndAlone)
				return
			}
		}
	}
}

type aloneWatch struct {
	grace time.Duration
	since time.Time
}

// observe records the attendee count and reports whether the participant
// has been alone for at least the grace period.
func (w *aloneWatch) observe(attendees int, now time.Time) bool {
	if attendees > 0 {
		w.since = time.Time{}
		return false
	}
	if w.since.IsZero() {
		w.since = now
	}
	return now.Sub(w.since) >= w.grace
}

func (a *Adapter) end(reason platform.EndReason) {
	a.endOnce.Do(func() {
		a.ended <- reason
	})
}

// Send posts text to the room chat.
func (a *Adapter) Send(_ context.Context, text string) error {
	if a.room == nil {
		return errors.New("not connected")
	}
	payload, err := encodeChat(text, time.Now())
	if err != nil {
		return err
	}
	return a.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishTopic(ChatTopic),
		lksdk.WithDataPublishReliable(true),
	)
}

// WaitForEnd blocks until the meeting ends, timeout elapses or ctx is done.
func (a *Adapter) WaitForEnd(ctx context.Context, timeout time.Duration) platform.EndReason {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case reason := <-a.ended:
		return reason
	case <-timer:
		logging.Info(logging.CategoryPlatform, "meeting timeout reached after %v", timeout)
		return platform.EndTimeout
	case <-ctx.Done():
		return platform.EndCanceled
	}
}

// Leave disconnects, stops every track and closes the event channels.
func (a *Adapter) Leave(_ context.Context) error {
	a.leaveOnce.Do(func() {
		a.cancel()
		if a.room != nil {
			a.room.Disconnect()
		}

		a.tracksMu.Lock()
		tracks := a.tracks
		a.tracks = make(map[string]*IngressTrack)
		a.tracksMu.Unlock()
		for _, t := range tracks {
			t.Stop()
		}

		a.wg.Wait()
		a.mixer.Stop()

		a.emitMu.Lock()
		a.emitClosed = true
		close(a.speakers)
		close(a.messages)
		a.emitMu.Unlock()

		a.end(platform.EndLeft)
		logging.Info(logging.CategoryPlatform, "left room room=%s", a.cfg.Room)
	})
	return nil
}

// classifyConnectError maps signal connection failures to join error kinds.
func classifyConnectError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "403"), strings.Contains(msg, "permission"),
		strings.Contains(msg, "invalid token"), strings.Contains(msg, "password"):
		return platform.NewJoinError(platform.AccessDenied, err)
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"),
		strings.Contains(msg, "does not exist"):
		return platform.NewJoinError(platform.InvalidMeeting, err)
	}
	return platform.NewJoinError(platform.Unknown, err)
}
