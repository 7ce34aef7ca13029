// Package controller runs one meeting attendance end to end: join, capture,
// transcribe, publish, and the ordered shutdown that follows.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/audio"
	"github.com/LastBotInc/virtual-participant/internal/config"
	"github.com/LastBotInc/virtual-participant/internal/events"
	"github.com/LastBotInc/virtual-participant/internal/logging"
	"github.com/LastBotInc/virtual-participant/internal/platform"
	"github.com/LastBotInc/virtual-participant/internal/recording"
	"github.com/LastBotInc/virtual-participant/internal/segment"
	"github.com/LastBotInc/virtual-participant/internal/session"
	"github.com/LastBotInc/virtual-participant/internal/status"
	"github.com/LastBotInc/virtual-participant/internal/transcribe"
)

const (
	audioQueueSize = 250 // 5s of 20ms chunks

	ackPaused  = "Transcription paused."
	ackResumed = "Transcription resumed."
)

// Deps are the collaborators a Controller drives. Store, Sink and Uploader
// may be nil.
type Deps struct {
	Adapter  platform.Adapter
	Engine   transcribe.Engine
	Store    status.Store
	Sink     events.Sink
	Uploader recording.Uploader
}

// Controller owns one Session and the tasks working on it.
type Controller struct {
	cfg     *config.Config
	adapter platform.Adapter
	engine  transcribe.Engine

	session   *session.Session
	status    *status.Manager
	publisher *events.Publisher
	segments  *segment.Engine
	recorder  *recording.Recorder
	uploader  recording.Uploader

	audioCh      chan []byte
	droppedAudio atomic.Int64

	txMu     sync.Mutex
	txCancel context.CancelFunc
	txDone   chan struct{}
	txSvc    *transcribe.Service
	// txOffset is the audio time sent by earlier services; a restarted
	// service continues from it.
	txOffset float64

	stopMeeting context.CancelFunc
	endOnce     sync.Once
	endReason   platform.EndReason
	endMu       sync.Mutex

	wg sync.WaitGroup
}

// New builds a controller and its Session from cfg.
func New(cfg *config.Config, deps Deps) *Controller {
	sess := session.New(cfg.SessionID, cfg.CallID, cfg.MeetingID, cfg.MeetingName, cfg.DisplayName)
	c := &Controller{
		cfg:       cfg,
		adapter:   deps.Adapter,
		engine:    deps.Engine,
		session:   sess,
		status:    status.NewManager(sess.ID, deps.Store),
		publisher: events.NewPublisher(deps.Sink, sess.ID),
		segments:  segment.NewEngine(sess.CallID),
		uploader:  deps.Uploader,
		audioCh:   make(chan []byte, audioQueueSize),
	}
	c.status.SetCallID(sess.CallID)
	return c
}

// Session returns the session aggregate.
func (c *Controller) Session() *session.Session { return c.session }

// Status returns the lifecycle manager.
func (c *Controller) Status() *status.Manager { return c.status }

// Run attends the meeting until it ends, ctx is canceled or a fatal error
// occurs. A canceled ctx is treated as a termination signal: the session is
// completed immediately and cleanup runs within the shutdown timeout.
func (c *Controller) Run(ctx context.Context) error {
	logging.Info(logging.CategoryController, "starting session sessionID=%s callID=%s meeting=%s",
		c.session.ID, c.session.CallID, c.session.MeetingID)

	c.status.Start(ctx)
	c.status.StartHeartbeat(c.cfg.HeartbeatInterval)
	defer c.status.Stop()

	if err := c.status.Transition(ctx, status.StateConnecting); err != nil {
		return err
	}
	if err := c.status.Transition(ctx, status.StateJoining); err != nil {
		return err
	}

	outcome, err := c.adapter.Join(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logging.Info(logging.CategoryController, "terminated while joining sessionID=%s", c.session.ID)
			c.completeOnSignal(ctx)
			c.closePublisher(ctx)
			return nil
		}
		reason := c.status.FailWith(ctx, err)
		c.closePublisher(ctx)
		return fmt.Errorf("join meeting %s: %s: %w", c.session.MeetingID, reason, err)
	}

	if err := c.status.Transition(ctx, status.StateJoined); err != nil {
		return err
	}
	c.session.MarkStarted(outcome.JoinedAt)
	meetingName := c.session.MeetingName
	if outcome.MeetingName != "" {
		meetingName = outcome.MeetingName
	}
	logging.Success(logging.CategoryController, "joined meeting=%s as identity=%s", meetingName, outcome.Identity)

	c.publish(ctx, events.Start(c.session.CallID, c.credentials()))
	c.status.LinkCall(ctx, c.session.CallID)

	c.recorder = c.newRecorder(meetingName)

	meetingCtx, stopMeeting := context.WithCancel(ctx)
	c.stopMeeting = stopMeeting
	defer stopMeeting()

	c.wg.Add(3)
	go c.trackSpeakers()
	go c.handleMessages(meetingCtx)
	go c.pumpAudio()

	c.startTranscription(meetingCtx)

	reason := c.adapter.WaitForEnd(meetingCtx, c.cfg.MeetingTimeout)
	if r := c.requestedEnd(); r != "" {
		reason = r
	}
	stopMeeting()
	signaled := ctx.Err() != nil
	logging.Info(logging.CategoryController, "meeting ended reason=%s signaled=%v", reason, signaled)

	if signaled {
		c.completeOnSignal(ctx)
	}
	c.shutdown(ctx, reason)
	return nil
}

// completeOnSignal marks the session completed ahead of cleanup.
func (c *Controller) completeOnSignal(ctx context.Context) {
	if err := c.status.Complete(ctx); err != nil {
		logging.Warning(logging.CategoryController, "complete on signal: %v", err)
	}
}

// shutdown stops transcription, finalizes the recording, leaves the
// meeting and emits END, all within the shutdown timeout. The call is
// categorized by why it ended just before END.
func (c *Controller) shutdown(parent context.Context, reason platform.EndReason) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.ShutdownTimeout)
	defer cancel()

	logging.Info(logging.CategoryController, "shutting down sessionID=%s", c.session.ID)

	c.stopTranscription()

	if url := c.recorder.Finalize(ctx); url != "" {
		c.publish(ctx, events.Recording(c.session.CallID, url))
	}

	if err := c.adapter.Leave(ctx); err != nil {
		logging.Warning(logging.CategoryController, "leave meeting: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warning(logging.CategoryController, "session tasks did not stop before shutdown timeout")
	}

	c.publish(ctx, events.Category(c.session.CallID, endCategory(reason)))
	c.publish(ctx, events.End(c.session.CallID))
	if state, _ := c.status.State(); !state.Terminal() {
		if err := c.status.Complete(ctx); err != nil {
			logging.Warning(logging.CategoryController, "complete session: %v", err)
		}
	}
	c.closePublisher(ctx)

	if n := c.droppedAudio.Load(); n > 0 {
		logging.Warning(logging.CategoryController, "dropped %d audio chunks while transcription was behind", n)
	}
	logging.Success(logging.CategoryController, "session finished sessionID=%s", c.session.ID)
}

func endCategory(reason platform.EndReason) string {
	return "ended-" + string(reason)
}

func (c *Controller) closePublisher(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := c.publisher.Close(ctx); err != nil {
		logging.Warning(logging.CategoryController, "close event publisher: %v", err)
	}
}

func (c *Controller) publish(ctx context.Context, ev events.Event) {
	if err := c.publisher.Publish(ctx, ev); err != nil {
		logging.Debug(logging.CategoryController, "event not published type=%s: %v", ev.EventType, err)
	}
}

func (c *Controller) credentials() events.Credentials {
	return events.Credentials{
		AccessToken:  c.cfg.AccessToken,
		IDToken:      c.cfg.IDToken,
		RefreshToken: c.cfg.RefreshToken,
		AgentID:      c.cfg.UserName,
	}
}

func (c *Controller) newRecorder(name string) *recording.Recorder {
	opts := recording.Options{
		Enabled:    c.cfg.RecordingEnabled,
		TempDir:    c.cfg.RecordingDir,
		SampleRate: c.cfg.SampleRate,
		Channels:   c.cfg.Channels,
		Prefix:     c.cfg.RecordingPrefix,
		Name:       name,
		CreatedAt:  c.session.CreatedAt,
		Uploader:   c.uploader,
	}
	rec, err := recording.NewRecorder(opts)
	if err != nil {
		logging.Error(logging.CategoryController, "recording unavailable: %v", err)
		opts.Enabled = false
		rec, _ = recording.NewRecorder(opts)
	}
	return rec
}

// requestEnd ends the meeting from inside the session, e.g. on an end
// command or a fatal transcription error.
func (c *Controller) requestEnd(reason platform.EndReason) {
	c.endOnce.Do(func() {
		c.endMu.Lock()
		c.endReason = reason
		c.endMu.Unlock()
		c.stopMeeting()
	})
}

func (c *Controller) requestedEnd() platform.EndReason {
	c.endMu.Lock()
	defer c.endMu.Unlock()
	return c.endReason
}

func (c *Controller) trackSpeakers() {
	defer c.wg.Done()
	for change := range c.adapter.SpeakerChanges() {
		if c.session.RecordSpeaker(change) {
			logging.Debug(logging.CategoryController, "active speaker=%s", change.Name)
		}
	}
}

func (c *Controller) handleMessages(ctx context.Context) {
	defer c.wg.Done()
	for msg := range c.adapter.Messages() {
		c.session.AppendMessage(msg)

		switch platform.ParseCommand(msg.Text) {
		case platform.CommandPause:
			c.pause(ctx, msg.Sender)
		case platform.CommandStart:
			c.resume(ctx, msg.Sender)
		case platform.CommandEnd:
			logging.Info(logging.CategoryController, "end requested by %s", msg.Sender)
			if c.cfg.ExitMessage != "" {
				if err := c.adapter.Send(ctx, c.cfg.ExitMessage); err != nil {
					logging.Warning(logging.CategoryController, "send exit message: %v", err)
				}
			}
			c.requestEnd(platform.EndLeft)
		}
	}
}

func (c *Controller) pause(ctx context.Context, sender string) {
	if !c.session.SetActive(false) {
		return
	}
	logging.Info(logging.CategoryController, "transcription paused by %s", sender)
	c.acknowledge(ctx, ackPaused)
}

func (c *Controller) resume(ctx context.Context, sender string) {
	if !c.session.SetActive(true) {
		return
	}
	logging.Info(logging.CategoryController, "transcription resumed by %s", sender)

	c.stopTranscription()
	c.segments.Reset()
	c.publish(ctx, events.Continue(c.session.CallID))
	c.startTranscription(ctx)

	c.acknowledge(ctx, ackResumed)
}

func (c *Controller) acknowledge(ctx context.Context, text string) {
	if err := c.adapter.Send(ctx, text); err != nil {
		logging.Warning(logging.CategoryController, "send acknowledgement: %v", err)
	}
}

// pumpAudio gates captured audio, records it and queues it for
// transcription.
func (c *Controller) pumpAudio() {
	defer c.wg.Done()
	defer close(c.audioCh)

	for chunk := range c.adapter.Audio() {
		gated := audio.Gate(chunk, c.session.Active())
		if err := c.recorder.Write(gated); err != nil && !errors.Is(err, recording.ErrClosed) {
			logging.Warning(logging.CategoryController, "record audio: %v", err)
		}
		select {
		case c.audioCh <- gated:
		default:
			if c.droppedAudio.Add(1) == 1 {
				logging.Warning(logging.CategoryController, "transcription is falling behind, dropping audio")
			}
		}
	}
}

func (c *Controller) startTranscription(parent context.Context) {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.txCancel = cancel
	c.txDone = done

	svc := &transcribe.Service{
		Engine:     c.engine,
		Options:    c.streamOptions(),
		Offset:     c.txOffset,
		Retries:    c.cfg.TranscribeRetries,
		RetryDelay: c.cfg.TranscribeRetryDelay,
		Active:     c.session.Active,
		OnLive: func() {
			if err := c.status.Transition(ctx, status.StateActive); err != nil {
				logging.Warning(logging.CategoryController, "mark active: %v", err)
			}
		},
		OnResult: c.onResult,
	}
	c.txSvc = svc

	go func() {
		defer close(done)
		err := svc.Run(ctx, c.audioCh)
		switch {
		case err == nil:
		case transcribe.IsPermission(err):
			logging.Error(logging.CategoryController, "transcription not permitted: %v", err)
			if ferr := c.status.Fail(ctx, status.ReasonPermissionDenied); ferr != nil {
				logging.Warning(logging.CategoryController, "mark failed: %v", ferr)
			}
			c.requestEnd(platform.EndLeft)
		default:
			logging.Error(logging.CategoryController, "transcription stopped: %v", err)
			c.requestEnd(platform.EndLeft)
		}
	}()
}

func (c *Controller) stopTranscription() {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.txCancel == nil {
		return
	}
	c.txCancel()
	<-c.txDone
	c.txOffset = c.txSvc.Elapsed()
	c.txCancel, c.txDone, c.txSvc = nil, nil, nil
}

func (c *Controller) streamOptions() transcribe.StreamOptions {
	return transcribe.StreamOptions{
		SessionID:        c.session.ID,
		SampleRate:       c.cfg.SampleRate,
		Channels:         c.cfg.Channels,
		Language:         c.cfg.TranscribeLanguage,
		IdentifyLanguage: c.cfg.IdentifyLanguage(),
		LanguageOptions:  transcribe.SplitLanguageOptions(c.cfg.LanguageOptions),
		VocabularyName:   c.cfg.VocabularyName,
		ContentRedaction: c.cfg.ContentRedaction,
		PIIEntityTypes:   c.cfg.PIIEntityTypes,
	}
}

func (c *Controller) onResult(r transcribe.Result) {
	segs := c.segments.Process(r, c.session.CurrentSpeaker())
	for _, seg := range segs {
		c.publish(context.Background(), events.Segment(c.session.CallID, seg))
	}
	if r.IsPartial || !c.session.Active() {
		return
	}
	logging.Debug(logging.CategoryController, "final result id=%s text=%q", r.ResultID, r.Text())
	now := time.Now().UTC()
	for _, seg := range segs {
		if seg.Text == "" {
			continue
		}
		c.session.AppendCaption(session.Caption{Speaker: seg.Speaker, Text: seg.Text, At: now})
	}
}
