package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semmy-space/credkeep/internal/credential"
	"github.com/semmy-space/credkeep/internal/credential/credentialtest"
	"github.com/semmy-space/credkeep/internal/secrets"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestStore(b Backend, c *clock) *Store {
	return NewStore(b, secrets.NewCipher("test-secret"), WithClock(c.Now))
}

func TestStorageKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain123", "plain123"},
		{"user@example.com", "user_example_com"},
		{"a.b/c#d$e[f]g", "a_b_c_d_e_f_g"},
		{"100023456789", "100023456789"},
		{"ünïcode", "_n_code"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StorageKey(tt.in), tt.in)
	}
}

func TestStore_SaveLoad(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(b, newClock())
			want := credentialtest.Valid("remote")

			require.NoError(t, s.Save(ctx, "user@example.com", want))

			got, err := s.Load(ctx, "user@example.com")
			require.NoError(t, err)
			assert.Equal(t, want, got)

			rec, err := b.Get(ctx, "user_example_com")
			require.NoError(t, err)
			assert.Equal(t, credential.StatusActive, rec.Status)
			assert.NotContains(t, rec.Ciphertext, "remote", "stored form is encrypted")
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(NewMemory(), newClock())
	_, err := s.Load(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AgeExpiry(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := newTestStore(NewMemory(), c)
	require.NoError(t, s.Save(ctx, "a", credentialtest.Valid("age")))

	c.Advance(DefaultMaxAge)
	_, err := s.Load(ctx, "a")
	assert.NoError(t, err, "exactly max age is still fresh")

	c.Advance(time.Millisecond)
	_, err = s.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrAgeExpired)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CustomMaxAge(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewStore(NewMemory(), secrets.NewCipher("k"), WithClock(c.Now), WithMaxAge(time.Hour))
	assert.Equal(t, time.Hour, s.MaxAge())
	require.NoError(t, s.Save(ctx, "a", credentialtest.Valid("age")))

	c.Advance(61 * time.Minute)
	_, err := s.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrAgeExpired)
}

func TestStore_HeartbeatKeepsRecordFresh(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := newTestStore(NewMemory(), c)
	require.NoError(t, s.Save(ctx, "a", credentialtest.Valid("hb")))

	c.Advance(20 * time.Hour)
	require.NoError(t, s.UpdateStatus(ctx, "a", credential.StatusActive))
	c.Advance(20 * time.Hour)

	_, err := s.Load(ctx, "a")
	assert.NoError(t, err)
}

func TestStore_LoadOnlyServesActive(t *testing.T) {
	for _, status := range []credential.Status{credential.StatusFailed, credential.StatusReplacing, credential.StatusExpired} {
		t.Run(string(status), func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(NewMemory(), newClock())
			require.NoError(t, s.Save(ctx, "a", credentialtest.Valid("x")))
			require.NoError(t, s.UpdateStatus(ctx, "a", status))

			_, err := s.Load(ctx, "a")
			assert.ErrorIs(t, err, ErrInactive)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_LoadStatusOnlyRecordIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemory(), newClock())
	require.NoError(t, s.UpdateStatus(ctx, "a", credential.StatusActive))

	_, err := s.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadWithWrongKey(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	c := newClock()
	require.NoError(t, newTestStore(b, c).Save(ctx, "a", credentialtest.Valid("x")))

	other := NewStore(b, secrets.NewCipher("another-secret"), WithClock(c.Now))
	got, err := other.Load(ctx, "a")
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestStore_LoadCorruptAndInvalidRecords(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	cipher := secrets.NewCipher("test-secret")

	put := func(t *testing.T, b Backend, plaintext string) {
		t.Helper()
		enc, err := cipher.Encrypt([]byte(plaintext))
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, Record{
			Key: "a", AccountID: "a", Ciphertext: enc,
			Status: credential.StatusActive, LastUsedAt: c.Now(), UpdatedAt: c.Now(),
		}))
	}

	t.Run("not json", func(t *testing.T) {
		b := NewMemory()
		put(t, b, "garbage")
		_, err := newTestStore(b, c).Load(ctx, "a")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("fails validation", func(t *testing.T) {
		b := NewMemory()
		put(t, b, `[{"key":"c_user","value":"short","domain":"facebook.com"}]`)
		_, err := newTestStore(b, c).Load(ctx, "a")
		assert.ErrorIs(t, err, credential.ErrInvalid)
	})

	t.Run("bad ciphertext", func(t *testing.T) {
		b := NewMemory()
		require.NoError(t, b.Put(ctx, Record{Key: "a", AccountID: "a", Ciphertext: "nothex", Status: credential.StatusActive, LastUsedAt: c.Now()}))
		_, err := newTestStore(b, c).Load(ctx, "a")
		assert.ErrorIs(t, err, secrets.ErrCipher)
	})
}

func TestStore_SaveRefusesInvalid(t *testing.T) {
	b := NewMemory()
	s := newTestStore(b, newClock())

	bad := credentialtest.Valid("x")
	bad[0].Value = "expired-" + bad[0].Value

	err := s.Save(context.Background(), "a", bad)
	assert.ErrorIs(t, err, credential.ErrInvalid)

	_, err = b.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotFound, "nothing written")
}

func TestStore_SaveWithoutKeyFails(t *testing.T) {
	b := NewMemory()
	s := NewStore(b, nil)

	err := s.Save(context.Background(), "a", credentialtest.Valid("x"))
	assert.ErrorIs(t, err, secrets.ErrNoKey)

	_, err = b.Get(context.Background(), "a")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemory(), newClock())
	require.NoError(t, s.Save(ctx, "a", credentialtest.Valid("x")))

	steps := []credential.Status{credential.StatusFailed, credential.StatusReplacing, credential.StatusActive}
	for _, st := range steps {
		require.NoError(t, s.UpdateStatus(ctx, "a", st))
		info, err := s.Status(ctx, "a")
		require.NoError(t, err)
		assert.True(t, info.Exists)
		assert.Equal(t, st, info.Status)
	}

	assert.Error(t, s.UpdateStatus(ctx, "a", "bogus"))
}

func TestStore_StatusMissing(t *testing.T) {
	info, err := newTestStore(NewMemory(), newClock()).Status(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestStore_DeleteAndListAll(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			s := newTestStore(b, c)

			require.NoError(t, s.Save(ctx, "bob", credentialtest.Valid("b")))
			require.NoError(t, s.Save(ctx, "alice", credentialtest.Valid("a")))
			require.NoError(t, s.UpdateStatus(ctx, "bob", credential.StatusFailed))

			all, err := s.ListAll(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "alice", all[0].AccountID)
			assert.Equal(t, credential.StatusActive, all[0].Status)
			assert.Equal(t, "bob", all[1].AccountID)
			assert.Equal(t, credential.StatusFailed, all[1].Status)
			assert.True(t, c.Now().Equal(all[1].LastUsedAt))

			require.NoError(t, s.Delete(ctx, "bob"))
			_, err = s.Load(ctx, "bob")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err = s.ListAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestStore_UnavailableBackend(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("dial tcp: connection refused")
	s := newTestStore(NewUnavailable(cause), newClock())

	_, err := s.Load(ctx, "user@example.com")
	require.ErrorIs(t, err, cause)
	assert.False(t, errors.Is(err, ErrNotFound), "an outage is not an empty store")

	assert.ErrorIs(t, s.Save(ctx, "user@example.com", credentialtest.Valid("x")), cause)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "user@example.com", credential.StatusFailed), cause)
	assert.ErrorIs(t, s.Delete(ctx, "user@example.com"), cause)
	_, err = s.ListAll(ctx)
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, s.Close(ctx))
}
