// Package polly provides a TTS provider backed by Amazon Polly. The
// SynthesizeSpeech audio stream is forwarded to the caller in chunks as the
// SDK reads it off the wire.
package polly

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/docvox/pkg/provider/tts"
)

const (
	defaultRegion = "us-east-1"
	defaultVoice  = "Joanna"
)

var (
	// ErrThrottled marks Polly rate-limit rejections. Retrying later may succeed.
	ErrThrottled = errors.New("polly: throttled")

	// ErrRejected marks requests Polly refused as invalid. Retrying won't help.
	ErrRejected = errors.New("polly: request rejected")
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// synthClient is the subset of *polly.Client the provider calls.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config selects region, engine and output format.
type Config struct {
	// Region is the AWS region. Defaults to "us-east-1".
	Region string
	// Engine is "neural" (default) or "standard".
	Engine string
	// ChunkSize bounds the size of streamed chunks.
	ChunkSize int
}

// Provider implements tts.Provider using Amazon Polly.
type Provider struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// New returns a provider that lazily loads the default AWS credential chain
// on first use.
func New(cfg Config) *Provider {
	return newWithClient(cfg, nil)
}

func newWithClient(cfg Config, client synthClient) *Provider {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}
	if cfg.Engine == "" {
		cfg.Engine = "neural"
	}
	return &Provider{client: client, cfg: cfg}
}

// Stream implements tts.Provider. req.Voice.ID is a Polly voice such as
// "Joanna" or "Matthew".
func (p *Provider) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = defaultVoice
	}

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(req.Text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return nil, classify(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, errors.New("polly: empty audio stream")
	}
	return tts.NewReaderStream(ctx, out.AudioStream, p.cfg.ChunkSize), nil
}

// classify maps smithy API errors onto ErrThrottled / ErrRejected.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return fmt.Errorf("%w: %s", ErrThrottled, apiErr.ErrorMessage())
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException", "EngineNotSupportedException":
			return fmt.Errorf("%w: %s: %s", ErrRejected, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("polly: synthesize: %w", err)
}

func (p *Provider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
