package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/aws/smithy-go"

	"github.com/LastBotInc/virtual-participant/internal/logging"
)

const awsPrimaryChannel = "ch_0"

// AWSEngine streams to Amazon Transcribe.
type AWSEngine struct {
	client *transcribestreaming.Client
}

// NewAWSEngine loads the default credential chain for region.
func NewAWSEngine(ctx context.Context, region string) (*AWSEngine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSEngine{client: transcribestreaming.NewFromConfig(cfg)}, nil
}

func (e *AWSEngine) Name() string { return "aws" }

// Open starts a stream transcription with the request parameters of opts.
func (e *AWSEngine) Open(ctx context.Context, opts StreamOptions) (Stream, error) {
	out, err := e.client.StartStreamTranscription(ctx, buildAWSInput(opts))
	if err != nil {
		return nil, classifyAWS(fmt.Errorf("start stream transcription: %w", err))
	}

	s := &awsStream{
		es:      out.GetStream(),
		results: make(chan Result, 64),
		closed:  make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func buildAWSInput(opts StreamOptions) *transcribestreaming.StartStreamTranscriptionInput {
	in := &transcribestreaming.StartStreamTranscriptionInput{
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(opts.SampleRate)),
	}
	if opts.SessionID != "" {
		in.SessionId = aws.String(opts.SessionID)
	}
	if opts.IdentifyLanguage {
		in.IdentifyLanguage = true
		if len(opts.LanguageOptions) > 0 {
			in.LanguageOptions = aws.String(strings.Join(opts.LanguageOptions, ","))
		}
	} else {
		in.LanguageCode = types.LanguageCode(opts.Language)
	}
	if opts.VocabularyName != "" {
		in.VocabularyName = aws.String(opts.VocabularyName)
	}
	if opts.ContentRedaction != "" {
		in.ContentRedactionType = types.ContentRedactionType(opts.ContentRedaction)
		if opts.PIIEntityTypes != "" {
			in.PiiEntityTypes = aws.String(opts.PIIEntityTypes)
		}
	}
	if opts.Channels == 2 {
		in.EnableChannelIdentification = true
		in.NumberOfChannels = aws.Int32(2)
	}
	return in
}

type awsStream struct {
	es      *transcribestreaming.StartStreamTranscriptionEventStream
	results chan Result

	mu     sync.Mutex
	err    error
	once   sync.Once
	closed chan struct{}
}

func (s *awsStream) read() {
	defer close(s.results)

	for ev := range s.es.Events() {
		te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, r := range awsResults(te.Value.Transcript.Results) {
			s.results <- r
		}
	}

	if err := s.es.Err(); err != nil {
		s.mu.Lock()
		s.err = classifyAWS(err)
		s.mu.Unlock()
	}
	s.es.Close()
	close(s.closed)
}

// awsResults converts one transcript event. With channel identification on,
// only the first channel is kept: the mixer writes the same mix to every
// channel, so the others would repeat each utterance.
func awsResults(in []types.Result) []Result {
	out := make([]Result, 0, len(in))
	for _, r := range in {
		res := convertAWSResult(r)
		if res.Channel != "" && res.Channel != awsPrimaryChannel {
			continue
		}
		out = append(out, res)
	}
	return out
}

func convertAWSResult(r types.Result) Result {
	out := Result{
		ResultID:  aws.ToString(r.ResultId),
		IsPartial: r.IsPartial,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Channel:   aws.ToString(r.ChannelId),
	}
	if len(r.Alternatives) == 0 {
		return out
	}
	alt := r.Alternatives[0]
	out.Transcript = aws.ToString(alt.Transcript)
	out.Items = make([]Item, 0, len(alt.Items))
	for _, it := range alt.Items {
		out.Items = append(out.Items, Item{
			Type:      ItemType(it.Type),
			Content:   aws.ToString(it.Content),
			StartTime: it.StartTime,
			EndTime:   it.EndTime,
		})
	}
	return out
}

func (s *awsStream) Send(ctx context.Context, chunk []byte) error {
	err := s.es.Send(ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: chunk},
	})
	if err != nil {
		return classifyAWS(err)
	}
	return nil
}

func (s *awsStream) Results() <-chan Result { return s.results }

func (s *awsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends the empty audio event that ends the stream and closes the
// writer. The reader is closed once the service has sent the final results,
// or after drainTimeout.
func (s *awsStream) Close() error {
	var err error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if serr := s.es.Send(ctx, &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: []byte{}}}); serr != nil {
			logging.Debug(logging.CategoryTranscribe, "send end of audio: %v", serr)
		}
		err = s.es.Writer.Close()
		go func() {
			select {
			case <-s.closed:
			case <-time.After(drainTimeout):
				s.es.Close()
			}
		}()
	})
	return err
}

var awsPermissionCodes = map[string]bool{
	"AccessDeniedException":               true,
	"UnrecognizedClientException":         true,
	"InvalidSignatureException":           true,
	"ExpiredTokenException":               true,
	"MissingAuthenticationTokenException": true,
}

func classifyAWS(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && awsPermissionCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return fmt.Errorf("%w: %v", ErrPermission, err)
		}
	}
	return err
}
