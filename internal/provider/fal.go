package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

var errFalNoPolling = errors.New("fal: status polling is not supported")

// Fal renders synchronously: the image URL comes back in the submit response.
type Fal struct {
	url    string
	key    string
	steps  int
	scale  float64
	aspect string
	client *http.Client
}

func NewFal(cfg Config, client *http.Client) *Fal {
	url := cfg.FalURL
	if url == "" {
		url = DefaultFalURL
	}
	return &Fal{
		url:    url,
		key:    cfg.FalKey,
		steps:  cfg.Steps,
		scale:  cfg.GuidanceScale,
		aspect: cfg.AspectRatio,
		client: client,
	}
}

func (f *Fal) Name() string { return KindFal }

type falInput struct {
	Seed             int64           `json:"seed"`
	StepsNum         int             `json:"steps_num"`
	GuidanceScale    float64         `json:"guidance_scale"`
	AspectRatio      string          `json:"aspect_ratio"`
	SyncMode         bool            `json:"sync_mode"`
	StructuredPrompt json.RawMessage `json:"structured_prompt,omitempty"`
	Prompt           string          `json:"prompt,omitempty"`
}

type falResponse struct {
	Image struct {
		URL string `json:"url"`
	} `json:"image"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (f *Fal) Submit(ctx context.Context, req Request) (Submission, error) {
	in := falInput{
		Seed:          req.Seed,
		StepsNum:      f.steps,
		GuidanceScale: f.scale,
		AspectRatio:   f.aspect,
	}
	if isObject(req.Document) {
		in.StructuredPrompt = req.Document
	} else {
		in.Prompt = promptText(req.Document)
	}

	h := http.Header{}
	h.Set("Authorization", "Key "+f.key)

	var resp falResponse
	body := map[string]any{"input": in}
	if err := doJSON(ctx, f.client, http.MethodPost, f.url, h, body, &resp, KindFal, "submit"); err != nil {
		return Submission{}, err
	}

	if resp.Image.URL != "" {
		return Immediate(resp.Image.URL), nil
	}
	if len(resp.Images) > 0 && resp.Images[0].URL != "" {
		return Immediate(resp.Images[0].URL), nil
	}
	return Submission{}, &ProviderError{Provider: KindFal, Op: "submit", Err: ErrNoArtifact}
}

func (f *Fal) Poll(context.Context, string) (Status, error) {
	return Status{}, errFalNoPolling
}
