package variant

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/Davincible/tensorgate/internal/gwerr"
	"github.com/Davincible/tensorgate/internal/inference"
	"github.com/Davincible/tensorgate/internal/observe"
)

// Executor resolves a request to a function, runs its variants with
// fallback, and persists the trace. Persistence is best-effort and never
// blocks or fails the caller's response.
type Executor struct {
	env       *Env
	functions map[string]*Function
	writer    *observe.Writer
}

func NewExecutor(env *Env, functions map[string]*Function, writer *observe.Writer) *Executor {
	return &Executor{env: env, functions: functions, writer: writer}
}

// Function looks up a configured function.
func (e *Executor) Function(name string) (*Function, error) {
	fn, ok := e.functions[name]
	if !ok {
		return nil, gwerr.Newf(gwerr.KindFunctionNotFound, "function %q is not configured", name)
	}
	return fn, nil
}

// Infer executes a non-streaming inference.
func (e *Executor) Infer(ctx context.Context, req *Request) (*Result, error) {
	fn, candidates, err := e.resolve(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	var attempts []gwerr.ProviderError
	for _, v := range candidates {
		result, err := v.Infer(ctx, e.env, fn, req)
		if err == nil {
			e.persist(fn, req, result, time.Since(start))
			return result, nil
		}
		attempts = append(attempts, gwerr.ProviderError{Provider: v.Name(), Err: err})
		e.env.Logger.Warn("variant attempt failed",
			"function", req.FunctionName, "variant", v.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(attempts) == 1 {
		return nil, attempts[0].Err
	}
	return nil, gwerr.AllVariantsFailed(req.FunctionName, attempts)
}

// InferStream executes a streaming inference. The returned stream records
// trace rows once it terminates.
func (e *Executor) InferStream(ctx context.Context, req *Request) (*StreamResult, error) {
	fn, candidates, err := e.resolve(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	var attempts []gwerr.ProviderError
	for _, v := range candidates {
		result, err := v.InferStream(ctx, e.env, fn, req)
		if err == nil {
			result.Stream = e.recordingStream(fn, req, result, start)
			return result, nil
		}
		attempts = append(attempts, gwerr.ProviderError{Provider: v.Name(), Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	if len(attempts) == 1 {
		return nil, attempts[0].Err
	}
	return nil, gwerr.AllVariantsFailed(req.FunctionName, attempts)
}

// resolve picks the candidate variants: the pinned one, or all in weight
// order. Inference and episode ids are minted here.
func (e *Executor) resolve(req *Request) (*Function, []Variant, error) {
	fn, err := e.Function(req.FunctionName)
	if err != nil {
		return nil, nil, err
	}
	if len(fn.Variants) == 0 {
		return nil, nil, gwerr.Newf(gwerr.KindVariantNotFound, "function %q has no variants", fn.Name)
	}

	if req.InferenceID == uuid.Nil {
		req.InferenceID = inference.NewInferenceID()
	}
	if req.EpisodeID == uuid.Nil {
		req.EpisodeID = inference.NewInferenceID()
	}

	if req.VariantName != "" {
		for _, v := range fn.Variants {
			if v.Name() == req.VariantName {
				return fn, []Variant{v}, nil
			}
		}
		return nil, nil, gwerr.Newf(gwerr.KindVariantNotFound,
			"variant %q is not configured for function %q", req.VariantName, fn.Name)
	}

	candidates := append([]Variant{}, fn.Variants...)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Weight() > candidates[j].Weight() })
	return fn, candidates, nil
}

// persist enqueues the inference record and its model inference records.
func (e *Executor) persist(fn *Function, req *Request, result *Result, processing time.Duration) {
	if e.writer == nil {
		return
	}

	input, err := req.Input.CanonicalJSON()
	if err != nil {
		e.env.Logger.Warn("failed to serialize input for trace", "error", err)
	}
	var output string
	if fn.Type == inference.FunctionTypeJSON {
		if data, err := json.Marshal(result.Output); err == nil {
			output = string(data)
		}
	} else {
		if data, err := json.Marshal(result.Content); err == nil {
			output = string(data)
		}
	}
	var toolParams, inferenceParams string
	if data, err := json.Marshal(req.DynamicTools); err == nil {
		toolParams = string(data)
	}
	if data, err := json.Marshal(req.Params); err == nil {
		inferenceParams = string(data)
	}

	e.writer.RecordInference(&observe.InferenceRecord{
		ID:               result.InferenceID,
		FunctionName:     fn.Name,
		VariantName:      result.VariantName,
		EpisodeID:        result.EpisodeID,
		FunctionType:     fn.Type,
		Input:            input,
		Output:           output,
		ToolParams:       toolParams,
		InferenceParams:  inferenceParams,
		ProcessingTimeMS: processing.Milliseconds(),
		Tags:             req.Tags,
	})
	for _, record := range result.ModelRecords {
		if record != nil {
			e.writer.RecordModelInference(record)
		}
	}
}

// recordingStream wraps the variant's stream so the trace is written when the
// stream terminates, reassembling content blocks and aggregating usage from
// the chunks.
func (e *Executor) recordingStream(fn *Function, req *Request, result *StreamResult, start time.Time) inference.Stream {
	rs := &recordingStream{
		executor: e,
		fn:       fn,
		req:      req,
		result:   result,
		start:    start,
		inner:    result.Stream,
		blocks:   make(map[string]*inference.ContentBlock),
	}
	if result.First != nil {
		rs.absorb(result.First)
	}
	return rs
}

type recordingStream struct {
	executor *Executor
	fn       *Function
	req      *Request
	result   *StreamResult
	start    time.Time
	inner    inference.Stream

	order     []string
	blocks    map[string]*inference.ContentBlock
	usage     inference.Usage
	sawUsage  bool
	finish    inference.FinishReason
	ttft      time.Duration
	rawFrames int
	recorded  bool
}

func (s *recordingStream) Next() (*inference.Chunk, error) {
	chunk, err := s.inner.Next()
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		s.record()
		return nil, nil
	}
	s.absorb(chunk)
	return chunk, nil
}

func (s *recordingStream) Close() error {
	err := s.inner.Close()
	s.record()
	return err
}

func (s *recordingStream) absorb(chunk *inference.Chunk) {
	if s.ttft == 0 && chunk.Latency > 0 {
		s.ttft = chunk.Latency
	}
	s.rawFrames++
	if chunk.Usage != nil {
		s.usage.Add(*chunk.Usage)
		s.sawUsage = true
	}
	if chunk.FinishReason != "" {
		s.finish = chunk.FinishReason
	}
	for _, block := range chunk.Content {
		key := string(block.Type) + ":" + block.ID
		existing, ok := s.blocks[key]
		if !ok {
			converted := chunkToBlock(block)
			s.blocks[key] = &converted
			s.order = append(s.order, key)
			continue
		}
		switch block.Type {
		case inference.ChunkBlockText:
			existing.Text += block.Text
		case inference.ChunkBlockToolCall:
			existing.Arguments += block.Arguments
		}
	}
}

func chunkToBlock(block inference.ChunkBlock) inference.ContentBlock {
	if block.Type == inference.ChunkBlockToolCall {
		return inference.ToolCallBlock(block.ID, block.Name, block.Arguments)
	}
	return inference.TextBlock(block.Text)
}

// record writes the trace once, when the stream completes or is abandoned.
func (s *recordingStream) record() {
	if s.recorded || s.executor.writer == nil {
		return
	}
	s.recorded = true

	output := make([]inference.ContentBlock, 0, len(s.order))
	for _, key := range s.order {
		block := s.blocks[key]
		if block.Type == inference.BlockTypeText && block.Text == "" {
			continue
		}
		output = append(output, *block)
	}

	usage := s.usage
	if !s.sawUsage {
		usage = estimateUsage(s.result.Messages, output)
	}

	total := time.Since(s.start)
	resp := &inference.Response{
		Output:        output,
		RawRequest:    s.result.RawRequest,
		RawResponse:   "",
		Usage:         usage,
		Latency:       inference.StreamingLatency(s.ttft, total),
		FinishReason:  s.finish,
		System:        s.result.System,
		InputMessages: s.result.Messages,
		ModelName:     s.result.ModelName,
		ProviderName:  s.result.ProviderName,
	}

	result := &Result{
		InferenceID:  s.result.InferenceID,
		EpisodeID:    s.result.EpisodeID,
		VariantName:  s.result.VariantName,
		Usage:        usage,
		ModelRecords: append(s.result.ModelRecords, observe.ModelInferenceFromResponse(s.result.InferenceID, resp)),
	}
	if s.fn.Type == inference.FunctionTypeJSON {
		result.Output = parseJSONOutput(s.executor.env, output, s.fn.OutputSchema)
	} else {
		result.Content = parseChatOutput(s.executor.env, output, nil)
	}
	s.executor.persist(s.fn, s.req, result, total)
}

// estimateUsage approximates token counts locally when the provider omitted
// usage on the stream.
func estimateUsage(input []inference.Message, output []inference.ContentBlock) inference.Usage {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return inference.Usage{}
	}
	var in, out int
	for _, msg := range input {
		for _, block := range msg.Content {
			in += len(encoding.Encode(block.Text+block.Arguments+block.Result, nil, nil))
		}
	}
	for _, block := range output {
		out += len(encoding.Encode(block.Text+block.Arguments, nil, nil))
	}
	return inference.Usage{InputTokens: in, OutputTokens: out}
}
