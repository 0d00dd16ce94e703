package runner

import (
	"context"
	"sync"
)

// Recorder is a Runner that records calls instead of executing them. Fail,
// when set, decides which calls return an error.
type Recorder struct {
	Fail func(Call) error

	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	c := Call{Name: name, Args: append([]string(nil), args...)}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	fail := r.Fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(c); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
