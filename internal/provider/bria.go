package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Bria submits asynchronous generations and is polled through status_url.
type Bria struct {
	url    string
	token  string
	steps  int
	scale  float64
	aspect string
	client *http.Client
}

func NewBria(cfg Config, client *http.Client) *Bria {
	url := cfg.BriaURL
	if url == "" {
		url = DefaultBriaURL
	}
	return &Bria{
		url:    url,
		token:  cfg.BriaToken,
		steps:  cfg.Steps,
		scale:  cfg.GuidanceScale,
		aspect: cfg.AspectRatio,
		client: client,
	}
}

func (b *Bria) Name() string { return KindBria }

type briaRequest struct {
	ModelVersion     string  `json:"model_version"`
	Seed             int64   `json:"seed"`
	StepsNum         int     `json:"steps_num"`
	GuidanceScale    float64 `json:"guidance_scale"`
	AspectRatio      string  `json:"aspect_ratio"`
	Sync             bool    `json:"sync"`
	StructuredPrompt string  `json:"structured_prompt,omitempty"`
	Prompt           string  `json:"prompt,omitempty"`
}

type briaResponse struct {
	StatusURL string `json:"status_url"`
	ImageURL  string `json:"image_url"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	Result    struct {
		ImageURL string `json:"image_url"`
	} `json:"result"`
}

func (b *Bria) header() http.Header {
	h := http.Header{}
	h.Set("api_token", b.token)
	return h
}

func (b *Bria) Submit(ctx context.Context, req Request) (Submission, error) {
	body := briaRequest{
		ModelVersion:  req.ModelVersion,
		Seed:          req.Seed,
		StepsNum:      b.steps,
		GuidanceScale: b.scale,
		AspectRatio:   b.aspect,
	}
	if isObject(req.Document) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, req.Document); err != nil {
			return Submission{}, fmt.Errorf("bria submit: invalid document: %w", err)
		}
		body.StructuredPrompt = compact.String()
	} else {
		body.Prompt = promptText(req.Document)
	}

	var resp briaResponse
	if err := doJSON(ctx, b.client, http.MethodPost, b.url, b.header(), body, &resp, KindBria, "submit"); err != nil {
		return Submission{}, err
	}

	switch {
	case resp.StatusURL != "":
		return Pending(resp.StatusURL), nil
	case resp.ImageURL != "":
		return Immediate(resp.ImageURL), nil
	case resp.Result.ImageURL != "":
		return Immediate(resp.Result.ImageURL), nil
	default:
		return Submission{}, &ProviderError{Provider: KindBria, Op: "submit", Err: ErrNoArtifact}
	}
}

func (b *Bria) Poll(ctx context.Context, statusURL string) (Status, error) {
	var resp briaResponse
	if err := doJSON(ctx, b.client, http.MethodGet, statusURL, b.header(), nil, &resp, KindBria, "poll"); err != nil {
		return Status{}, err
	}

	st := Status{State: resp.Status, ArtifactURL: resp.ImageURL, Error: resp.Error}
	if st.ArtifactURL == "" {
		st.ArtifactURL = resp.Result.ImageURL
	}
	return st, nil
}
