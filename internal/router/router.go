// Package router executes inference against a model's ordered provider list
// with fallback, enforcing the per-model timeouts: a whole-call deadline for
// non-streaming requests and a time-to-first-token deadline for streams.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/providers"
)

// Timeouts holds the per-model deadlines. Zero means no deadline.
type Timeouts struct {
	// NonStreamingTotal bounds the whole non-streaming call.
	NonStreamingTotal time.Duration
	// StreamingTTFT bounds the wait for the first chunk only; the stream is
	// not deadlined after the first token.
	StreamingTTFT time.Duration
}

// Model is a named ordered list of provider entries used for fallback.
type Model struct {
	Name      string
	Providers []providers.Provider
	Timeouts  Timeouts

	// Limiter paces requests to this model when configured.
	Limiter *rate.Limiter
}

// Router routes requests to models.
type Router struct {
	models map[string]*Model
	client *http.Client
	logger *slog.Logger
}

func New(client *http.Client, logger *slog.Logger) *Router {
	if client == nil {
		client = &http.Client{}
	}
	return &Router{
		models: make(map[string]*Model),
		client: client,
		logger: logger,
	}
}

// AddModel registers a model. Models are registered at startup only; the map
// is read-only during request handling.
func (r *Router) AddModel(model *Model) {
	r.models[model.Name] = model
}

// Model looks a model up by name.
func (r *Router) Model(name string) (*Model, error) {
	model, ok := r.models[name]
	if !ok {
		return nil, gwerr.Newf(gwerr.KindModelNotFound, "model %q is not configured", name)
	}
	return model, nil
}

// Client returns the shared connection-pooled HTTP client.
func (r *Router) Client() *http.Client { return r.client }

// Infer runs a non-streaming inference with provider fallback. Every failed
// attempt is recorded; if all providers fail the errors surface as
// ModelProvidersExhausted in attempt order.
func (r *Router) Infer(ctx context.Context, modelName string, req *inference.Request) (*inference.Response, []gwerr.ProviderError, error) {
	model, err := r.Model(modelName)
	if err != nil {
		return nil, nil, err
	}
	if err := r.pace(ctx, model); err != nil {
		return nil, nil, err
	}

	var attempts []gwerr.ProviderError
	for _, provider := range model.Providers {
		callCtx, cancel := r.deadline(ctx, model.Timeouts.NonStreamingTotal)
		resp, err := provider.Infer(callCtx, req, r.client)
		cancel()
		if err == nil {
			return resp, attempts, nil
		}

		err = r.classifyTimeout(callCtx, err, provider.Name(), model.Timeouts.NonStreamingTotal, false)
		attempts = append(attempts, gwerr.ProviderError{Provider: provider.Name(), Err: err})
		r.logger.Warn("provider attempt failed",
			"model", modelName, "provider", provider.Name(), "error", err)

		if ctx.Err() != nil {
			break
		}
	}
	return nil, attempts, gwerr.ProvidersExhausted(modelName, attempts)
}

// InferStream runs a streaming inference with provider fallback. The TTFT
// deadline applies only until the provider returns its first chunk.
func (r *Router) InferStream(ctx context.Context, modelName string, req *inference.Request) (*inference.Chunk, inference.Stream, string, []gwerr.ProviderError, error) {
	model, err := r.Model(modelName)
	if err != nil {
		return nil, nil, "", nil, err
	}
	if err := r.pace(ctx, model); err != nil {
		return nil, nil, "", nil, err
	}

	var attempts []gwerr.ProviderError
	for _, provider := range model.Providers {
		first, stream, raw, err := r.startStream(ctx, model, provider, req)
		if err == nil {
			return first, stream, raw, attempts, nil
		}
		attempts = append(attempts, gwerr.ProviderError{Provider: provider.Name(), Err: err})
		r.logger.Warn("provider stream attempt failed",
			"model", modelName, "provider", provider.Name(), "error", err)

		if ctx.Err() != nil {
			break
		}
	}
	return nil, nil, "", attempts, gwerr.ProvidersExhausted(modelName, attempts)
}

type streamResult struct {
	first  *inference.Chunk
	stream inference.Stream
	raw    string
	err    error
}

func (r *Router) startStream(ctx context.Context, model *Model, provider providers.Provider, req *inference.Request) (*inference.Chunk, inference.Stream, string, error) {
	callCtx, cancel := context.WithCancel(ctx)

	results := make(chan streamResult, 1)
	go func() {
		first, stream, raw, err := provider.InferStream(callCtx, req, r.client)
		results <- streamResult{first, stream, raw, err}
	}()

	var ttft <-chan time.Time
	if model.Timeouts.StreamingTTFT > 0 {
		timer := time.NewTimer(model.Timeouts.StreamingTTFT)
		defer timer.Stop()
		ttft = timer.C
	}

	select {
	case res := <-results:
		if res.err != nil {
			cancel()
			return nil, nil, "", res.err
		}
		// Once the first chunk has arrived, the stream has no deadline; the
		// cancel func travels with the stream so closing it releases the call.
		return res.first, &cancellableStream{inner: res.stream, cancel: cancel}, res.raw, nil

	case <-ttft:
		cancel()
		res := <-results
		if res.stream != nil {
			res.stream.Close()
		}
		return nil, nil, "", gwerr.Newf(gwerr.KindProviderTimeout,
			"provider %q did not produce a first token within %s (streaming)",
			provider.Name(), model.Timeouts.StreamingTTFT)

	case <-ctx.Done():
		cancel()
		res := <-results
		if res.stream != nil {
			res.stream.Close()
		}
		return nil, nil, "", gwerr.Wrap(gwerr.KindInferenceTimeout, "inference cancelled", ctx.Err())
	}
}

type cancellableStream struct {
	inner  inference.Stream
	cancel context.CancelFunc
}

func (s *cancellableStream) Next() (*inference.Chunk, error) { return s.inner.Next() }

func (s *cancellableStream) Close() error {
	err := s.inner.Close()
	s.cancel()
	return err
}

func (r *Router) pace(ctx context.Context, model *Model) error {
	if model.Limiter == nil {
		return nil
	}
	if err := model.Limiter.Wait(ctx); err != nil {
		return gwerr.Wrap(gwerr.KindInferenceTimeout,
			fmt.Sprintf("request pacing for model %q aborted", model.Name), err)
	}
	return nil
}

func (r *Router) deadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classifyTimeout upgrades a context-deadline failure into the model timeout
// kind so callers see the timing source.
func (r *Router) classifyTimeout(callCtx context.Context, err error, providerName string, timeout time.Duration, streaming bool) error {
	if callCtx.Err() == context.DeadlineExceeded {
		mode := "non-streaming"
		if streaming {
			mode = "streaming"
		}
		return gwerr.Wrap(gwerr.KindModelTimeout,
			fmt.Sprintf("provider %q exceeded the %s deadline of %s", providerName, mode, timeout), err)
	}
	return err
}
