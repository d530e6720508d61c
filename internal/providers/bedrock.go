package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/Davincible/tensorgate/internal/extrabody"
	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
)

const (
	bedrockService          = "bedrock"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// BedrockProvider invokes Anthropic models hosted on AWS Bedrock with
// SigV4-signed requests. Credentials come from the per-request dynamic keys
// when both the access key id and secret are supplied, otherwise from the
// SDK default chain; the static api_key setting is not used.
type BedrockProvider struct {
	cfg Config

	chainOnce sync.Once
	chain     aws.CredentialsProvider
	chainErr  error
}

func NewBedrock(cfg Config) (*BedrockProvider, error) {
	if cfg.Region == "" && cfg.Endpoint == "" {
		return nil, gwerr.Newf(gwerr.KindConfig, "bedrock provider %q requires a region or endpoint", cfg.Name)
	}
	if cfg.Endpoint != "" && cfg.DynamicCredentialKey == "" {
		// A caller-controlled endpoint receiving requests signed with static
		// credentials can exfiltrate them.
		slog.Warn("bedrock endpoint override with static credentials",
			"provider", cfg.Name, "endpoint", cfg.Endpoint)
	}
	return &BedrockProvider{cfg: cfg}, nil
}

func (p *BedrockProvider) Name() string { return p.cfg.Name }
func (p *BedrockProvider) Type() string { return TypeBedrock }

func (p *BedrockProvider) endpoint() string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", p.cfg.Region)
}

// Infer executes a non-streaming invoke call.
func (p *BedrockProvider) Infer(ctx context.Context, req *inference.Request, client *http.Client) (*inference.Response, error) {
	body, err := p.serializeRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.signedRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(ctx, p.cfg.Name, err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to read Bedrock response", err)
	}
	if err := statusError(p.cfg.Name, resp.StatusCode, data); err != nil {
		return nil, err
	}
	latency := time.Since(start)

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "failed to parse Bedrock response", err)
	}

	output, err := anthropicOutputBlocks(parsed.Content)
	if err != nil {
		return nil, err
	}

	out := &inference.Response{
		Output:        output,
		RawRequest:    string(body),
		RawResponse:   string(data),
		Latency:       inference.NonStreamingLatency(latency),
		System:        req.System,
		InputMessages: req.Messages,
		ModelName:     p.cfg.Model,
		ProviderName:  p.cfg.Name,
	}
	if parsed.Usage != nil {
		out.Usage = inference.Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens}
	}
	if parsed.StopReason != nil {
		out.FinishReason = anthropicFinishReason(*parsed.StopReason)
	}
	return out, nil
}

// InferStream is not implemented for Bedrock: the response stream uses the
// binary vnd.amazon.eventstream framing rather than SSE. Models that need
// streaming route to a direct Anthropic entry instead.
func (p *BedrockProvider) InferStream(context.Context, *inference.Request, *http.Client) (*inference.Chunk, inference.Stream, string, error) {
	return nil, nil, "", gwerr.Newf(gwerr.KindUnsupportedVariantStream,
		"provider %q does not support streaming inference", p.cfg.Name)
}

// serializeRequest builds the Bedrock Anthropic body: same message shape as
// the Messages API, with the model in the URL and a pinned anthropic_version.
func (p *BedrockProvider) serializeRequest(req *inference.Request) ([]byte, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	messages = prepareMessages(messages)

	wire := map[string]any{
		"anthropic_version": bedrockAnthropicVersion,
		"messages":          messages,
		"max_tokens":        anthropicDefaultMaxTok,
	}
	if req.Sampling.MaxTokens != nil {
		wire["max_tokens"] = *req.Sampling.MaxTokens
	}
	if req.System != nil {
		wire["system"] = *req.System
	}
	if req.Sampling.Temperature != nil {
		wire["temperature"] = *req.Sampling.Temperature
	}
	if req.Sampling.TopP != nil {
		wire["top_p"] = *req.Sampling.TopP
	}

	if tc := req.ToolConfig; tc != nil {
		var tools []json.RawMessage
		for _, t := range tc.Available() {
			serialized, err := json.Marshal(anthropicTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.Parameters.Raw(),
			})
			if err != nil {
				return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize tool "+t.Name, err)
			}
			tools = append(tools, serialized)
		}
		tools = append(tools, tc.ProviderToolsFor(p.cfg.Model, p.cfg.Name)...)
		if len(tools) > 0 {
			wire["tools"] = tools
		}
		choice, err := anthropicToolChoiceFor(tc)
		if err != nil {
			return nil, err
		}
		if choice != nil {
			wire["tool_choice"] = choice
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "failed to serialize Bedrock request", err)
	}
	patches := append(append([]extrabody.Patch{}, p.cfg.ExtraBody...), req.ExtraBody...)
	return extrabody.ApplyToRaw(body, patches, nil)
}

func (p *BedrockProvider) signedRequest(ctx context.Context, req *inference.Request, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/model/%s/invoke", p.endpoint(), p.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "failed to build Bedrock request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	creds, err := p.resolveCredentials(ctx, req)
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(body)
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(hash[:]), bedrockService, p.cfg.Region, time.Now()); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "failed to sign Bedrock request", err)
	}
	return httpReq, nil
}

func (p *BedrockProvider) resolveCredentials(ctx context.Context, req *inference.Request) (aws.Credentials, error) {
	if p.cfg.DynamicCredentialKey != "" {
		access := req.Credentials[p.cfg.DynamicCredentialKey+"_access_key_id"]
		secret := req.Credentials[p.cfg.DynamicCredentialKey+"_secret_access_key"]
		session := req.Credentials[p.cfg.DynamicCredentialKey+"_session_token"]
		if access != "" && secret != "" {
			provider := credentials.NewStaticCredentialsProvider(access, secret, session)
			return provider.Retrieve(ctx)
		}
	}

	p.chainOnce.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
		if err != nil {
			p.chainErr = err
			return
		}
		p.chain = cfg.Credentials
	})
	if p.chainErr != nil {
		return aws.Credentials{}, gwerr.Wrap(gwerr.KindAPIKeyMissing, "failed to load AWS credentials", p.chainErr)
	}
	creds, err := p.chain.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, gwerr.Wrap(gwerr.KindAPIKeyMissing, "failed to resolve AWS credentials", err)
	}
	return creds, nil
}
