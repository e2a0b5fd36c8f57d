package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/semmy-space/credkeep/internal/credential"
)

// Unavailable is a Backend for a store that could not be opened. Every
// call fails with the open error, so callers treat the tier as down
// instead of failing before they reach it.
type Unavailable struct {
	Err error
}

// NewUnavailable wraps the error that kept the real backend from opening.
func NewUnavailable(err error) *Unavailable {
	return &Unavailable{Err: err}
}

func (u *Unavailable) err() error {
	return fmt.Errorf("remote store unavailable: %w", u.Err)
}

func (u *Unavailable) Get(context.Context, string) (Record, error) { return Record{}, u.err() }

func (u *Unavailable) Put(context.Context, Record) error { return u.err() }

func (u *Unavailable) UpdateStatus(context.Context, string, string, credential.Status, time.Time) error {
	return u.err()
}

func (u *Unavailable) Delete(context.Context, string) error { return u.err() }

func (u *Unavailable) List(context.Context) ([]Record, error) { return nil, u.err() }

func (u *Unavailable) Close(context.Context) error { return nil }
