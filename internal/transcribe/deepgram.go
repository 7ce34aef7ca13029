package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/LastBotInc/virtual-participant/internal/logging"
)

const (
	DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"
	dialTimeout        = 15 * time.Second
	writeTimeout       = 10 * time.Second
)

// DeepgramEngine streams to a websocket recognizer speaking the Deepgram
// live protocol.
type DeepgramEngine struct {
	URL    string
	APIKey string
}

func (e *DeepgramEngine) Name() string { return "deepgram" }

// Open dials the listen endpoint. A handshake rejected with 401 or 403 is a
// permission failure.
func (e *DeepgramEngine) Open(ctx context.Context, opts StreamOptions) (Stream, error) {
	wsURL, err := deepgramURL(e.URL, opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.APIKey)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type dialResult struct {
		conn *websocket.Conn
		resp *http.Response
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
		resultCh <- dialResult{conn, resp, err}
	}()

	var res dialResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("websocket dial timeout: %w", ctx.Err())
	case res = <-resultCh:
	}
	if res.resp != nil && res.resp.Body != nil {
		defer res.resp.Body.Close()
	}
	if res.err != nil {
		if res.resp != nil && (res.resp.StatusCode == http.StatusUnauthorized || res.resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrPermission, res.resp.StatusCode)
		}
		return nil, fmt.Errorf("dial recognizer: %w", res.err)
	}

	s := &deepgramStream{
		conn:     res.conn,
		results:  make(chan Result, 64),
		resultID: uuid.NewString(),
	}
	go s.read()
	return s, nil
}

func deepgramURL(base string, opts StreamOptions) (string, error) {
	if base == "" {
		base = DefaultDeepgramURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse recognizer url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	channels := opts.Channels
	if channels < 1 {
		channels = 1
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if opts.IdentifyLanguage {
		q.Set("detect_language", "true")
	} else if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.ContentRedaction != "" {
		q.Set("redact", "pii")
	}
	for _, kw := range SplitLanguageOptions(opts.VocabularyName) {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type deepgramMessage struct {
	Type     string  `json:"type"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	IsFinal  bool    `json:"is_final"`
	Channel  struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Result

	writeMu  sync.Mutex
	resultID string

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *deepgramStream) read() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closed
			s.mu.Unlock()
			if !closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(classifyWSClose(err))
			}
			s.conn.Close()
			return
		}

		r, ok, err := s.parse(data)
		if err != nil {
			logging.Warning(logging.CategoryTranscribe, "unparseable recognizer message: %v", err)
			continue
		}
		if ok {
			s.results <- r
		}
	}
}

// parse converts a Results message. Interim results share a result id
// until a final result rotates it.
func (s *deepgramStream) parse(data []byte) (Result, bool, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Result{}, false, err
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return Result{}, false, nil
	}
	alt := msg.Channel.Alternatives[0]
	if len(alt.Words) == 0 && !msg.IsFinal {
		return Result{}, false, nil
	}

	r := Result{
		ResultID:   s.resultID,
		IsPartial:  !msg.IsFinal,
		StartTime:  msg.Start,
		EndTime:    msg.Start + msg.Duration,
		Transcript: alt.Transcript,
	}
	for _, w := range alt.Words {
		r.Items = append(r.Items, splitPunctuated(w.Word, w.PunctuatedWord, w.Start, w.End)...)
	}
	if msg.IsFinal {
		s.resultID = uuid.NewString()
	}
	return r, true, nil
}

const trailingPunctuation = ".,?!;:"

// splitPunctuated turns "world." into a word item and a punctuation item.
func splitPunctuated(word, punctuated string, start, end float64) []Item {
	if punctuated == "" {
		return []Item{{Type: ItemWord, Content: word, StartTime: start, EndTime: end}}
	}
	body := strings.TrimRight(punctuated, trailingPunctuation)
	if body == "" {
		body = punctuated
	}
	items := []Item{{Type: ItemWord, Content: body, StartTime: start, EndTime: end}}
	for _, p := range punctuated[len(body):] {
		items = append(items, Item{Type: ItemPunctuation, Content: string(p), StartTime: end, EndTime: end})
	}
	return items
}

func (s *deepgramStream) Send(_ context.Context, chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

func (s *deepgramStream) Results() <-chan Result { return s.results }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close asks the recognizer to flush and close; the read loop ends when the
// server closes the connection.
func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.conn.Close()
		return fmt.Errorf("close stream: %w", err)
	}
	// force the read loop out if the server never answers
	s.conn.SetReadDeadline(time.Now().Add(drainTimeout))
	return nil
}

// classifyWSClose maps policy-violation closes, which the recognizer uses for
// rejected credentials, to ErrPermission.
func classifyWSClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.ClosePolicyViolation || ce.Code == 4001 || ce.Code == 4003) {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return err
}
