package llm

import (
	"context"
	"sync"
)

// FakeClient is a scripted in-memory Client used by tests and by the
// benchmark runner's dry mode. Responses are served in order; when the
// script is exhausted the last response repeats.
type FakeClient struct {
	ProviderName string

	mu        sync.Mutex
	responses []Result
	errs      []error
	calls     int
	// ChunkSize splits streamed content; 0 streams the whole content
	// as one chunk.
	ChunkSize int
}

// NewFakeClient creates a fake provider with the given name.
func NewFakeClient(provider string) *FakeClient {
	return &FakeClient{ProviderName: provider, ChunkSize: 16}
}

// Script appends a successful response to the script.
func (f *FakeClient) Script(r Result) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, r)
	f.errs = append(f.errs, nil)
	return f
}

// ScriptError appends a failing call to the script.
func (f *FakeClient) ScriptError(err error) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, Result{})
	f.errs = append(f.errs, err)
	return f
}

// Calls returns how many calls the fake has served.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Provider returns the configured provider name.
func (f *FakeClient) Provider() string { return f.ProviderName }

func (f *FakeClient) next() (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if len(f.responses) == 0 {
		return Result{Content: "ok", TokensIn: 10, TokensOut: 5, FinishReason: "stop"}, nil
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], f.errs[idx]
}

// Generate serves the next scripted response.
func (f *FakeClient) Generate(ctx context.Context, _ string, _ []Message, _ Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return f.next()
}

// GenerateStream serves the next scripted response as a chunk stream.
func (f *FakeClient) GenerateStream(ctx context.Context, _ string, _ []Message, _ Params) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		res, err := f.next()
		if err != nil {
			errs <- err
			return
		}

		content := res.Content
		size := f.ChunkSize
		if size <= 0 {
			size = len(content)
		}
		for len(content) > 0 {
			n := size
			if n > len(content) {
				n = len(content)
			}
			piece := content[:n]
			content = content[n:]
			select {
			case chunks <- StreamChunk{ContentDelta: piece, TokensDelta: EstimateTokens(piece)}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		chunks <- StreamChunk{Final: true, TokensIn: res.TokensIn, TokensOut: res.TokensOut}
	}()

	return chunks, errs
}
