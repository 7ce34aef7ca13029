package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/audio"
	"github.com/LastBotInc/virtual-participant/internal/logging"
)

const (
	drainTimeout       = 5 * time.Second
	defaultRetryWindow = 5 * time.Minute
)

// ErrRetriesExhausted is returned when the stream failed as many times as
// the attempt bound allows.
var ErrRetriesExhausted = errors.New("transcription retries exhausted")

// Service forwards audio to one logical recognition session and delivers
// every result to OnResult. Transient stream failures reopen the stream with
// the same session id.
type Service struct {
	Engine  Engine
	Options StreamOptions
	// Retries bounds failed attempts: consecutive ones, and any within
	// RetryWindow even when streams in between delivered results.
	// RetryDelay separates them.
	Retries     int
	RetryDelay  time.Duration
	RetryWindow time.Duration

	// Offset is the audio time already sent by an earlier service of the
	// same session. Result times are shifted by it.
	Offset float64

	// Active gates audio: while it returns false silence of equal length is
	// sent instead.
	Active func() bool
	// OnLive is called each time a stream is established.
	OnLive func()
	// OnResult receives every result, partial or final, in stream order.
	OnResult func(Result)

	mu          sync.Mutex
	sentSeconds float64
}

// Run streams audio until the channel is closed, ctx is done, a permission
// failure occurs or retries are exhausted. Closing audio or canceling ctx
// ends the session cleanly and returns nil.
func (s *Service) Run(ctx context.Context, audioIn <-chan []byte) error {
	failures := 0
	var recent []time.Time
	fail := func(delivered bool, err error) bool {
		if delivered {
			failures = 0
		}
		failures++
		recent = s.trim(append(recent, time.Now()))
		return s.retry(ctx, max(failures, len(recent)), err)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := s.Engine.Open(ctx, s.Options)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsPermission(err) {
				logging.Fail(logging.CategoryTranscribe, "recognizer refused access engine=%s: %v", s.Engine.Name(), err)
				return err
			}
			if !fail(false, err) {
				return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			}
			continue
		}

		logging.Info(logging.CategoryTranscribe, "recognition stream open engine=%s sessionID=%s attempt=%d", s.Engine.Name(), s.Options.SessionID, failures+1)
		if s.OnLive != nil {
			s.OnLive()
		}

		done, delivered, err := s.pump(ctx, stream, audioIn)
		if done {
			return nil
		}
		if IsPermission(err) {
			logging.Fail(logging.CategoryTranscribe, "recognizer refused access engine=%s: %v", s.Engine.Name(), err)
			return err
		}
		if !fail(delivered, err) {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
	}
}

// trim drops failure times older than the retry window.
func (s *Service) trim(times []time.Time) []time.Time {
	window := s.RetryWindow
	if window <= 0 {
		window = defaultRetryWindow
	}
	cutoff := time.Now().Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

func (s *Service) retry(ctx context.Context, failures int, err error) bool {
	if failures >= s.Retries {
		logging.Fail(logging.CategoryTranscribe, "recognition failed %d times, giving up: %v", failures, err)
		return false
	}
	logging.Warning(logging.CategoryTranscribe, "recognition stream failed attempt=%d/%d, retrying in %v: %v", failures, s.Retries, s.RetryDelay, err)
	select {
	case <-ctx.Done():
	case <-time.After(s.RetryDelay):
	}
	return true
}

// pump runs one stream. done is true when the session ended on purpose;
// delivered reports whether the stream produced any result.
func (s *Service) pump(ctx context.Context, stream Stream, audioIn <-chan []byte) (done, delivered bool, err error) {
	offset := s.Elapsed()
	results := make(chan struct{})
	var got atomic.Bool

	go func() {
		defer close(results)
		for r := range stream.Results() {
			got.Store(true)
			if s.OnResult != nil {
				s.OnResult(shift(r, offset))
			}
		}
	}()

	finish := func() bool {
		if err := stream.Close(); err != nil {
			logging.Debug(logging.CategoryTranscribe, "close stream: %v", err)
		}
		select {
		case <-results:
		case <-time.After(drainTimeout):
			logging.Warning(logging.CategoryTranscribe, "timed out draining recognition results")
		}
		return got.Load()
	}

	for {
		select {
		case <-ctx.Done():
			return true, finish(), nil
		case <-results:
			err := stream.Err()
			if err == nil {
				err = errors.New("recognition stream closed")
			}
			stream.Close()
			return false, got.Load(), err
		case chunk, ok := <-audioIn:
			if !ok {
				logging.Info(logging.CategoryTranscribe, "audio ended, stopping recognition stream")
				return true, finish(), nil
			}
			if s.Active != nil {
				chunk = audio.Gate(chunk, s.Active())
			}
			if err := stream.Send(ctx, chunk); err != nil {
				if ctx.Err() != nil {
					return true, finish(), nil
				}
				delivered := finish()
				if serr := stream.Err(); serr != nil {
					err = serr
				}
				return false, delivered, fmt.Errorf("send audio: %w", err)
			}
			s.advance(len(chunk))
		}
	}
}

// Elapsed returns the seconds of audio sent in this session, Offset
// included. Results of a reopened stream are shifted by it so times keep
// increasing.
func (s *Service) Elapsed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Offset + s.sentSeconds
}

func (s *Service) advance(n int) {
	channels := s.Options.Channels
	if channels < 1 {
		channels = 1
	}
	if s.Options.SampleRate <= 0 {
		return
	}
	s.mu.Lock()
	s.sentSeconds += float64(n) / float64(2*channels*s.Options.SampleRate)
	s.mu.Unlock()
}

func shift(r Result, offset float64) Result {
	if offset == 0 {
		return r
	}
	r.StartTime += offset
	r.EndTime += offset
	items := make([]Item, len(r.Items))
	for i, it := range r.Items {
		it.StartTime += offset
		it.EndTime += offset
		items[i] = it
	}
	r.Items = items
	return r
}
