// Package cache provides content-addressed caching of model responses, keyed
// by a fingerprint over the canonical request plus model identity. Lookup is
// opt-in per request; invalid outputs are never stored.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
)

// Options are the per-request cache controls.
type Options struct {
	Enabled bool `json:"enabled"`
	MaxAgeS *int `json:"max_age_s,omitempty"`
}

// MaxAge converts the wire field, zero meaning "no age limit".
func (o Options) MaxAge() time.Duration {
	if o.MaxAgeS == nil {
		return 0
	}
	return time.Duration(*o.MaxAgeS) * time.Second
}

// Entry is the stored shape of a cached model response.
type Entry struct {
	Output       []inference.ContentBlock `json:"output"`
	RawRequest   string                   `json:"raw_request"`
	RawResponse  string                   `json:"raw_response"`
	Usage        inference.Usage          `json:"usage"`
	FinishReason inference.FinishReason   `json:"finish_reason,omitempty"`
	StoredAt     time.Time                `json:"stored_at"`
}

// ToResponse rehydrates a cached entry as a provider response.
func (e *Entry) ToResponse(req *inference.Request, modelName, providerName string) *inference.Response {
	return &inference.Response{
		Output:        e.Output,
		RawRequest:    e.RawRequest,
		RawResponse:   e.RawResponse,
		Usage:         e.Usage,
		FinishReason:  e.FinishReason,
		System:        req.System,
		InputMessages: req.Messages,
		ModelName:     modelName,
		ProviderName:  providerName,
		Cached:        true,
	}
}

// FromResponse snapshots a provider response for storage.
func FromResponse(resp *inference.Response, now time.Time) *Entry {
	return &Entry{
		Output:       resp.Output,
		RawRequest:   resp.RawRequest,
		RawResponse:  resp.RawResponse,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
		StoredAt:     now,
	}
}

// Cache is the backend contract. A miss is (nil, nil).
type Cache interface {
	Lookup(ctx context.Context, key string, maxAge time.Duration) (*Entry, error)
	Store(ctx context.Context, key string, entry *Entry) error
}

// Key fingerprints a canonical request for one model. Everything that can
// change the provider response participates in the hash.
func Key(req *inference.Request, modelName string) (string, error) {
	fingerprint := map[string]any{
		"model":      modelName,
		"system":     req.System,
		"messages":   req.Messages,
		"json_mode":  req.JSONMode,
		"sampling":   req.Sampling,
		"function":   req.FunctionType,
		"extra_body": req.ExtraBody,
	}
	if req.OutputSchema != nil {
		fingerprint["output_schema"] = req.OutputSchema.Raw()
	}
	if tc := req.ToolConfig; tc != nil {
		var tools []map[string]any
		for _, t := range tc.Available() {
			tools = append(tools, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters.Raw(),
				"strict":      t.Strict,
			})
		}
		fingerprint["tools"] = tools
		fingerprint["tool_choice"] = tc.Choice
		fingerprint["parallel"] = tc.ParallelCalls
	}

	data, err := json.Marshal(fingerprint)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindCache, "failed to fingerprint request", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
