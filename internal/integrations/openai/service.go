package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/steps"
)

// Models names the model used for each kind of call.
type Models struct {
	Chat          string
	Vision        string
	Transcription string
}

// Service adapts Client to the extraction and intent collaborators. Model
// names are read from SSM on first use and cached once they all load.
type Service struct {
	client          *Client
	params          Getter
	paramPrefix     string
	defaultCurrency string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	models      Models
}

func NewService(client *Client, params Getter, paramPrefix, defaultCurrency string) (*Service, error) {
	if client == nil {
		return nil, errors.New("openai: client must not be nil")
	}
	if params == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	if defaultCurrency == "" {
		defaultCurrency = "INR"
	}
	return &Service{
		client:          client,
		params:          params,
		paramPrefix:     paramPrefix,
		defaultCurrency: strings.ToUpper(defaultCurrency),
	}, nil
}

// Extractors returns one extractor per input kind.
func (s *Service) Extractors() map[domain.InputKind]steps.Extractor {
	return map[domain.InputKind]steps.Extractor{
		domain.InputText:  &TextExtractor{s},
		domain.InputImage: &ImageExtractor{s},
		domain.InputVoice: &VoiceExtractor{s},
	}
}

type TextExtractor struct{ s *Service }

func (e *TextExtractor) Extract(ctx context.Context, in domain.RawInput) (domain.BillData, error) {
	models, err := e.s.ensureModels(ctx)
	if err != nil {
		return domain.BillData{}, err
	}
	return e.s.extractText(ctx, models, in.Text)
}

type ImageExtractor struct{ s *Service }

func (e *ImageExtractor) Extract(ctx context.Context, in domain.RawInput) (domain.BillData, error) {
	if strings.TrimSpace(in.MediaURL) == "" {
		return domain.BillData{}, fmt.Errorf("%w: image message without media", recovery.ErrUnavailable)
	}
	models, err := e.s.ensureModels(ctx)
	if err != nil {
		return domain.BillData{}, err
	}
	raw, err := e.s.client.Chat(ctx, models.Vision, imageBillMessages(e.s.defaultCurrency, in.Text, in.MediaURL), billResponseFormat())
	if err != nil {
		return domain.BillData{}, callErr(err)
	}
	bill, err := parseBill(raw, e.s.defaultCurrency)
	if err != nil {
		return domain.BillData{}, unavailable(err)
	}
	return bill, nil
}

// VoiceExtractor transcribes the note and extracts the bill from the
// transcript.
type VoiceExtractor struct{ s *Service }

func (e *VoiceExtractor) Extract(ctx context.Context, in domain.RawInput) (domain.BillData, error) {
	models, err := e.s.ensureModels(ctx)
	if err != nil {
		return domain.BillData{}, err
	}
	transcript, err := e.s.client.Transcribe(ctx, models.Transcription, in.MediaURL, in.MediaType)
	if err != nil {
		return domain.BillData{}, callErr(err)
	}
	if transcript == "" {
		return domain.BillData{}, fmt.Errorf("%w: empty transcript", recovery.ErrUnavailable)
	}
	return e.s.extractText(ctx, models, transcript)
}

func (s *Service) extractText(ctx context.Context, models Models, text string) (domain.BillData, error) {
	raw, err := s.client.Chat(ctx, models.Chat, textBillMessages(s.defaultCurrency, text), billResponseFormat())
	if err != nil {
		return domain.BillData{}, callErr(err)
	}
	bill, err := parseBill(raw, s.defaultCurrency)
	if err != nil {
		return domain.BillData{}, unavailable(err)
	}
	return bill, nil
}

// Classify labels a confirmation reply.
func (s *Service) Classify(ctx context.Context, text string, step domain.Step) (steps.Intent, float64, error) {
	models, err := s.ensureModels(ctx)
	if err != nil {
		return "", 0, err
	}
	raw, err := s.client.Chat(ctx, models.Chat, intentMessages(step, text), intentResponseFormat())
	if err != nil {
		return "", 0, callErr(err)
	}
	out, err := parseIntent(raw)
	if err != nil {
		return "", 0, unavailable(err)
	}
	return steps.Intent(out.Intent), out.Confidence, nil
}

func (s *Service) ensureModels(ctx context.Context) (Models, error) {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		m := s.models
		s.cacheMu.RUnlock()
		return m, nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return s.models, nil
	}

	models, err := s.loadModels(ctx)
	if err != nil {
		return Models{}, unavailable(err)
	}
	s.models = models
	s.cacheLoaded = true
	return models, nil
}

func (s *Service) loadModels(ctx context.Context) (Models, error) {
	var m Models
	var err error
	if m.Chat, err = s.param(ctx, "openai_model"); err != nil {
		return Models{}, err
	}
	if m.Vision, err = s.param(ctx, "vision_model"); err != nil {
		return Models{}, err
	}
	if m.Transcription, err = s.param(ctx, "transcription_model"); err != nil {
		return Models{}, err
	}
	return m, nil
}

func (s *Service) param(ctx context.Context, name string) (string, error) {
	v, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/"+name)
	if err != nil {
		return "", fmt.Errorf("openai: load %s: %w", name, err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("openai: %s is empty", name)
	}
	return v, nil
}

// unavailable marks err as a service outage the caller can degrade around.
// Context errors keep their identity.
func unavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", recovery.ErrUnavailable, err)
}

// callErr keeps upstream status and network errors classifiable and treats
// everything else, such as a missing API key, as an outage.
func callErr(err error) error {
	var status *HTTPStatusError
	var netErr net.Error
	if errors.As(err, &status) || errors.As(err, &netErr) {
		return err
	}
	return unavailable(err)
}
