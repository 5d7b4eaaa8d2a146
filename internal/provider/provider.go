// Package provider binds external render providers.
//
// Every binding satisfies one contract: Submit returns either the artifact
// URL right away (Immediate) or a status URL to poll (Pending). Renderer runs
// the single polling loop over Pending submissions and downloads the result.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	KindBria = "bria"
	KindFal  = "fal"

	DefaultBriaURL = "https://engine.prod.bria-api.com/v2/image/generate"
	DefaultFalURL  = "https://fal.run/bria/fibo/generate"
)

// Request is what a render is invoked with.
type Request struct {
	Document     json.RawMessage
	ModelVersion string
	Seed         int64
}

// Submission is the tagged result of Submit: exactly one of ArtifactURL
// (Immediate) or StatusURL (Pending) is set.
type Submission struct {
	ArtifactURL string
	StatusURL   string
}

func Immediate(artifactURL string) Submission { return Submission{ArtifactURL: artifactURL} }

func Pending(statusURL string) Submission { return Submission{StatusURL: statusURL} }

func (s Submission) IsPending() bool { return s.StatusURL != "" }

// Status is one poll of a Pending submission.
type Status struct {
	State       string // pending, processing, completed, success, failed, error
	ArtifactURL string
	Error       string
}

func (s Status) Succeeded() bool { return s.State == "completed" || s.State == "success" }

func (s Status) Failed() bool { return s.State == "failed" || s.State == "error" }

type Provider interface {
	Name() string
	Submit(ctx context.Context, req Request) (Submission, error)
	Poll(ctx context.Context, statusURL string) (Status, error)
}

// Config selects and parameterises a binding.
type Config struct {
	Kind          string
	BriaURL       string
	BriaToken     string
	FalURL        string
	FalKey        string
	Steps         int
	GuidanceScale float64
	AspectRatio   string
}

// New returns the binding named by cfg.Kind. Unknown kinds fall back to bria.
func New(cfg Config, client *http.Client) (Provider, error) {
	if client == nil {
		client = http.DefaultClient
	}
	switch strings.ToLower(cfg.Kind) {
	case KindFal:
		if cfg.FalKey == "" {
			return nil, fmt.Errorf("%w: FAL_KEY is required for fal", ErrMissingCredentials)
		}
		return NewFal(cfg, client), nil
	default:
		if cfg.BriaToken == "" {
			return nil, fmt.Errorf("%w: BRIA_API_TOKEN is required for bria", ErrMissingCredentials)
		}
		return NewBria(cfg, client), nil
	}
}

var (
	ErrMissingCredentials = errors.New("provider: missing credentials")
	// ErrPollTimeout is returned when a Pending submission does not resolve
	// within the poll budget.
	ErrPollTimeout = errors.New("provider: polling timeout: request did not complete in time")
	// ErrRenderFailed is returned when the provider reports the render failed.
	ErrRenderFailed = errors.New("provider: generation failed")
	ErrNoArtifact   = errors.New("provider: no artifact url in response")
)

// ProviderError is a non-2xx response or an unreadable body.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

const maxErrorBody = 512

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
