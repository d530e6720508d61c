// Package gwerr defines the gateway's closed error taxonomy. Every error
// crossing a component boundary is a *Error with a Kind; the kind drives the
// HTTP status, the log level, and whether the model router may retry.
package gwerr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Kind identifies one member of the taxonomy.
type Kind string

const (
	KindAPIKeyMissing            Kind = "api_key_missing"
	KindInvalidRequest           Kind = "invalid_request"
	KindInvalidMessage           Kind = "invalid_message"
	KindInvalidTool              Kind = "invalid_tool"
	KindToolNotFound             Kind = "tool_not_found"
	KindDuplicateTool            Kind = "duplicate_tool"
	KindJSONSchemaValidation     Kind = "json_schema_validation"
	KindDynamicJSONSchema        Kind = "dynamic_json_schema"
	KindTemplateRender           Kind = "template_render"
	KindTemplateNotFound         Kind = "template_not_found"
	KindInferenceClient          Kind = "inference_client"
	KindInferenceServer          Kind = "inference_server"
	KindFatalStreamError         Kind = "fatal_stream_error"
	KindInferenceTimeout         Kind = "inference_timeout"
	KindModelTimeout             Kind = "model_timeout"
	KindProviderTimeout          Kind = "provider_timeout"
	KindModelNotFound            Kind = "model_not_found"
	KindProviderNotFound         Kind = "provider_not_found"
	KindFunctionNotFound         Kind = "function_not_found"
	KindVariantNotFound          Kind = "variant_not_found"
	KindModelProvidersExhausted  Kind = "model_providers_exhausted"
	KindAllVariantsFailed        Kind = "all_variants_failed"
	KindRateLimitExceeded        Kind = "rate_limit_exceeded"
	KindOutputValidation         Kind = "output_validation"
	KindOutputParsing            Kind = "output_parsing"
	KindUnsupportedContentBlock  Kind = "unsupported_content_block_type"
	KindUnsupportedVariantStream Kind = "unsupported_variant_for_streaming_inference"
	KindExtraBodyReplacement     Kind = "extra_body_replacement"
	KindEmbedding                Kind = "embedding"
	KindCache                    Kind = "cache"
	KindObservability            Kind = "observability"
	KindConfig                   Kind = "config"
	KindSerialization            Kind = "serialization"
	KindInternal                 Kind = "internal"
)

// ProviderError pairs a provider name with the error it produced. The order
// of the slice preserves the fallback order the router attempted.
type ProviderError struct {
	Provider string
	Err      error
}

// Error is the single error type used across the gateway.
type Error struct {
	Kind    Kind
	Message string

	// Status overrides the kind-derived HTTP status. Used by
	// KindInferenceClient to propagate the upstream status code.
	Status int

	// Providers carries the ordered per-provider failures for
	// KindModelProvidersExhausted and KindAllVariantsFailed.
	Providers []ProviderError

	wrapped error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause reachable via errors.Unwrap.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

func (e *Error) Error() string {
	if len(e.Providers) > 0 {
		parts := make([]string, 0, len(e.Providers))
		for _, pe := range e.Providers {
			parts = append(parts, fmt.Sprintf("%s: %v", pe.Provider, pe.Err))
		}
		return fmt.Sprintf("%s [%s]", e.Message, strings.Join(parts, "; "))
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match on a bare kind sentinel: errors.Is(err, &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// StatusCode maps the kind to the HTTP status returned to the caller. For
// aggregate kinds the status of the last inner error is surfaced.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindModelProvidersExhausted, KindAllVariantsFailed:
		if last := e.lastProviderError(); last != nil {
			return StatusOf(last)
		}
		return http.StatusBadGateway
	case KindInferenceClient:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadRequest
	case KindAPIKeyMissing, KindInvalidRequest, KindInvalidMessage, KindInvalidTool,
		KindToolNotFound, KindDuplicateTool, KindJSONSchemaValidation,
		KindDynamicJSONSchema, KindTemplateRender, KindExtraBodyReplacement,
		KindUnsupportedContentBlock, KindUnsupportedVariantStream:
		return http.StatusBadRequest
	case KindFunctionNotFound, KindVariantNotFound, KindModelNotFound,
		KindProviderNotFound, KindTemplateNotFound:
		return http.StatusNotFound
	case KindInferenceTimeout, KindModelTimeout, KindProviderTimeout:
		return http.StatusRequestTimeout
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindInferenceServer, KindFatalStreamError, KindEmbedding:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Level reports the slog level the error should be logged at. Caller-induced
// validation problems, cache and observability failures, rate limits and
// unsupported content blocks are warnings; everything else is an error.
func (e *Error) Level() slog.Level {
	switch e.Kind {
	case KindInvalidRequest, KindInvalidMessage, KindInvalidTool, KindToolNotFound,
		KindDuplicateTool, KindJSONSchemaValidation, KindDynamicJSONSchema,
		KindOutputValidation, KindOutputParsing, KindCache, KindObservability,
		KindRateLimitExceeded, KindUnsupportedContentBlock:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Retryable reports whether the router may try another provider after this
// error. Rate limit errors are terminal; aggregates are retryable iff any
// inner error is.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimitExceeded:
		return false
	case KindModelProvidersExhausted, KindAllVariantsFailed:
		for _, pe := range e.Providers {
			if RetryableOf(pe.Err) {
				return true
			}
		}
		return false
	case KindJSONSchemaValidation, KindOutputValidation, KindOutputParsing,
		KindInvalidRequest, KindInvalidMessage, KindInvalidTool,
		KindToolNotFound, KindDuplicateTool:
		return false
	default:
		return true
	}
}

// Log writes the error to the logger at the taxonomy level.
func (e *Error) Log(logger *slog.Logger, args ...any) {
	args = append(args, "kind", string(e.Kind))
	logger.Log(context.Background(), e.Level(), e.Error(), args...)
}

func (e *Error) lastProviderError() error {
	if len(e.Providers) == 0 {
		return nil
	}
	return e.Providers[len(e.Providers)-1].Err
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if ge, ok := err.(*Error); ok {
		return ge.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for any error.
func StatusOf(err error) int {
	if ge, ok := err.(*Error); ok {
		return ge.StatusCode()
	}
	return http.StatusInternalServerError
}

// RetryableOf returns the retryability for any error; foreign errors are
// treated as retryable server faults.
func RetryableOf(err error) bool {
	if ge, ok := err.(*Error); ok {
		return ge.Retryable()
	}
	return true
}

// ProvidersExhausted builds the aggregate router error, preserving attempt order.
func ProvidersExhausted(model string, attempts []ProviderError) *Error {
	return &Error{
		Kind:      KindModelProvidersExhausted,
		Message:   fmt.Sprintf("all providers failed for model %q", model),
		Providers: attempts,
	}
}

// AllVariantsFailed builds the aggregate variant error.
func AllVariantsFailed(function string, attempts []ProviderError) *Error {
	return &Error{
		Kind:      KindAllVariantsFailed,
		Message:   fmt.Sprintf("all variants failed for function %q", function),
		Providers: attempts,
	}
}
