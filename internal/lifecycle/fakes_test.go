package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/semmy-space/credkeep/internal/credential"
	"github.com/semmy-space/credkeep/internal/probe"
	"github.com/semmy-space/credkeep/internal/remote"
)

type fakeLocal struct {
	mu       sync.Mutex
	cred     credential.Credential
	writeErr error

	reads, writes, deletes atomic.Int32
}

func (f *fakeLocal) Read() (credential.Credential, bool) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cred) == 0 {
		return nil, false
	}
	return f.cred.Clone(), true
}

func (f *fakeLocal) Write(c credential.Credential) error {
	f.writes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.cred = c.Clone()
	return nil
}

func (f *fakeLocal) Delete() error {
	f.deletes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred = nil
	return nil
}

func (f *fakeLocal) get() credential.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cred
}

// fakeRemote mirrors remote.Store read rules: only active records load.
type fakeRemote struct {
	mu       sync.Mutex
	creds    map[string]credential.Credential
	statuses map[string]credential.Status
	history  []credential.Status
	loadErr  error
	saveErr  error

	loads, saves atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		creds:    make(map[string]credential.Credential),
		statuses: make(map[string]credential.Status),
	}
}

func (f *fakeRemote) Load(_ context.Context, accountID string) (credential.Credential, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	c, ok := f.creds[accountID]
	if !ok || f.statuses[accountID] != credential.StatusActive {
		return nil, remote.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeRemote) Save(_ context.Context, accountID string, c credential.Credential) error {
	f.saves.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.creds[accountID] = c.Clone()
	f.statuses[accountID] = credential.StatusActive
	f.history = append(f.history, credential.StatusActive)
	return nil
}

func (f *fakeRemote) UpdateStatus(_ context.Context, accountID string, status credential.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[accountID] = status
	f.history = append(f.history, status)
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.creds, accountID)
	delete(f.statuses, accountID)
	return nil
}

func (f *fakeRemote) put(accountID string, c credential.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[accountID] = c
	f.statuses[accountID] = credential.StatusActive
}

func (f *fakeRemote) status(accountID string) credential.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[accountID]
}

func (f *fakeRemote) statusHistory() []credential.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]credential.Status, len(f.history))
	copy(out, f.history)
	return out
}

type fakeProber struct {
	mu      sync.Mutex
	healthy func(c credential.Credential) probe.Result
	calls   atomic.Int32
}

func healthyProber() *fakeProber {
	return &fakeProber{healthy: func(credential.Credential) probe.Result {
		return probe.Result{Healthy: true, Reason: probe.ReasonHealthy}
	}}
}

func unhealthyProber(reason string) *fakeProber {
	return &fakeProber{healthy: func(credential.Credential) probe.Result {
		return probe.Result{Reason: reason}
	}}
}

func (f *fakeProber) Probe(_ context.Context, c credential.Credential) probe.Result {
	f.calls.Add(1)
	f.mu.Lock()
	fn := f.healthy
	f.mu.Unlock()
	return fn(c)
}

func (f *fakeProber) set(fn func(c credential.Credential) probe.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = fn
}

var errGenerate = errors.New("login api down")

// fakeGenerator fails the first failFirst calls, then returns cred. When
// gate is non-nil every call waits on it first.
type fakeGenerator struct {
	cred      credential.Credential
	failFirst int32
	gate      chan struct{}
	entered   chan struct{}
	secrets   []credential.Secret

	mu    sync.Mutex
	calls atomic.Int32
}

func (f *fakeGenerator) Generate(ctx context.Context, _ string, secret credential.Secret) (credential.Credential, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.secrets = append(f.secrets, secret)
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failFirst {
		return nil, errGenerate
	}
	return f.cred.Clone(), nil
}
