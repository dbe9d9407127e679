package llm

import (
	"context"
	"sync"
)

// FakeClient is a scripted Client for worker unit tests: each call to
// Complete pops the next entry from Responses, a small in-memory double
// rather than a mocking framework.
type FakeClient struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error
	Requests  []Request
}

func (f *FakeClient) Complete(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)

	var err error
	if len(f.Errs) > 0 {
		err = f.Errs[0]
		f.Errs = f.Errs[1:]
	}
	var resp string
	if len(f.Responses) > 0 {
		resp = f.Responses[0]
		f.Responses = f.Responses[1:]
	}
	return resp, err
}
