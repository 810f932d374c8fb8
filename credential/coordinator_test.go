package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/authkit/oktaidx/credential/storage"
	"github.com/authkit/oktaidx/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinator(t *testing.T, opt ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(storage.NewMem(), opt...)
	require.NoError(t, err)
	return c
}

func TestCoordinator_Store(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first-token-becomes-default", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)

		first, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.NoError(err)
		def, err := c.Default(ctx, nil)
		require.NoError(err)
		assert.Same(first, def)
	})
	t.Run("second-token-does-not-change-default", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)

		first, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.NoError(err)
		_, err = c.Store(ctx, testToken(t, "tok_2"), storage.SecurityPolicy{}, nil)
		require.NoError(err)

		def, err := c.Default(ctx, nil)
		require.NoError(err)
		assert.Same(first, def)
	})
	t.Run("duplicate-id-rejected", func(t *testing.T) {
		require := require.New(t)
		c := testCoordinator(t)
		_, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.NoError(err)
		_, err = c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.ErrorIs(err, storage.ErrDuplicateToken)
	})
	t.Run("failed-credential-creation-rolls-back", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)

		bad := testToken(t, "tok_1")
		bad.Config = oidc.Config{}
		_, err := c.Store(ctx, bad, storage.SecurityPolicy{}, nil)
		require.Error(err)

		// the persisted add is rolled back, so nothing lingers in storage
		// and a corrected retry is not rejected as a duplicate
		ids, err := c.store.AllIDs(ctx)
		require.NoError(err)
		assert.Empty(ids)
		_, err = c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.NoError(err)
	})
	t.Run("concurrent-first-stores-yield-one-default", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)

		const goroutines = 16
		var start, done sync.WaitGroup
		start.Add(1)
		done.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func(i int) {
				defer done.Done()
				start.Wait()
				_, err := c.Store(ctx, testToken(t, "tok_"+string(rune('a'+i))), storage.SecurityPolicy{}, nil)
				assert.NoError(err)
			}(i)
		}
		start.Done()
		done.Wait()

		// exactly one of the adds saw the empty store and claimed the default
		def, err := c.Default(ctx, nil)
		require.NoError(err)
		require.NotNil(def)
		id, err := c.store.DefaultID(ctx)
		require.NoError(err)
		assert.Equal(id, def.ID())
	})
}

func TestCoordinator_Default(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("empty-store-has-no-default", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)
		def, err := c.Default(ctx, nil)
		require.NoError(err)
		assert.Nil(def)
	})
	t.Run("lazily-resolved-from-persisted-id", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store := storage.NewMem()
		tok := testToken(t, "tok_1")
		require.NoError(store.Add(ctx, tok, storage.SecurityPolicy{}, nil))
		require.NoError(store.SetDefaultID(ctx, "tok_1"))

		// a fresh coordinator over existing storage resolves on first access
		c, err := NewCoordinator(store)
		require.NoError(err)
		def, err := c.Default(ctx, nil)
		require.NoError(err)
		require.NotNil(def)
		assert.Equal("tok_1", def.ID())

		// second access is served from cache: same handle
		again, err := c.Default(ctx, nil)
		require.NoError(err)
		assert.Same(def, again)
	})
	t.Run("explicit-clear-is-observable", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)
		var events []Event
		cancel := c.Observe(func(e Event) { events = append(events, e) })
		defer cancel()

		_, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.NoError(err)
		require.NoError(c.SetDefault(ctx, nil))

		def, err := c.Default(ctx, nil)
		require.NoError(err)
		assert.Nil(def)
		assert.Contains(events, Event{Type: EventDefaultChanged, ID: ""})
	})
}

func TestCoordinator_Remove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("removing-default-clears-it", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)
		cred, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.NoError(err)

		require.NoError(c.Remove(ctx, cred))
		def, err := c.Default(ctx, nil)
		require.NoError(err)
		assert.Nil(def)
		assert.False(c.registry.HasCredential("tok_1"))
		assert.True(cred.Removed())
	})
	t.Run("removing-non-default-keeps-default", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := testCoordinator(t)
		first, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		require.NoError(err)
		second, err := c.Store(ctx, testToken(t, "tok_2"), storage.SecurityPolicy{}, nil)
		require.NoError(err)

		require.NoError(c.Remove(ctx, second))
		def, err := c.Default(ctx, nil)
		require.NoError(err)
		assert.Same(first, def)
	})
	t.Run("nil-credential", func(t *testing.T) {
		require := require.New(t)
		c := testCoordinator(t)
		require.ErrorIs(c.Remove(ctx, nil), ErrNilParameter)
	})
}

func TestCoordinator_With(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	c := testCoordinator(t)
	stored, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
	require.NoError(err)

	got, err := c.With(ctx, "tok_1", nil)
	require.NoError(err)
	assert.Same(stored, got)

	missing, err := c.With(ctx, "tok_missing", nil)
	require.NoError(err)
	assert.Nil(missing)
}

func TestCoordinator_Find(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	c := testCoordinator(t)

	alice, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, map[string]string{"user": "alice"})
	require.NoError(err)
	_, err = c.Store(ctx, testToken(t, "tok_2"), storage.SecurityPolicy{}, map[string]string{"user": "bob"})
	require.NoError(err)

	found, err := c.Find(ctx, func(md storage.Metadata) bool {
		return md.Tags["user"] == "alice"
	})
	require.NoError(err)
	require.Len(found, 1)
	assert.Same(alice, found[0])

	_, err = c.Find(ctx, nil)
	require.ErrorIs(err, ErrNilParameter)
}

func TestCoordinator_Observe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	c := testCoordinator(t)

	var mu sync.Mutex
	var events []Event
	cancel := c.Observe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	cred, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
	require.NoError(err)
	require.NoError(c.Remove(ctx, cred))

	mu.Lock()
	got := append([]Event(nil), events...)
	mu.Unlock()
	assert.Equal([]Event{
		{Type: EventTokenAdded, ID: "tok_1"},
		{Type: EventDefaultChanged, ID: "tok_1"},
		{Type: EventTokenRemoved, ID: "tok_1"},
		{Type: EventDefaultChanged, ID: ""},
	}, got)

	// cancelled observers stop receiving events
	cancel()
	_, err = c.Store(ctx, testToken(t, "tok_2"), storage.SecurityPolicy{}, nil)
	require.NoError(err)
	mu.Lock()
	assert.Len(events, 4)
	mu.Unlock()
}

func TestCoordinator_ObserverReentrancy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	c := testCoordinator(t)

	// an observer may call back into the coordinator: events are delivered
	// outside the critical section of the mutation that raised them
	var defaults []string
	cancel := c.Observe(func(e Event) {
		def, err := c.Default(ctx, nil)
		assert.NoError(err)
		if def != nil {
			defaults = append(defaults, def.ID())
		}
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
		assert.NoError(err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("observer calling back into the coordinator deadlocked")
	}
	require.NotEmpty(defaults)
	assert.Equal("tok_1", defaults[len(defaults)-1])
}

func TestCoordinator_ErrorReporter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)

	var reported []error
	c := testCoordinator(t, WithErrorReporter(func(err error) {
		reported = append(reported, err)
	}))
	cred, err := c.Store(ctx, testToken(t, "tok_1"), storage.SecurityPolicy{}, nil)
	require.NoError(err)

	// a refresh bridged after the stored token vanished goes to the
	// reporter, not the refresh caller
	require.NoError(c.store.Remove(ctx, "tok_1"))
	c.tokenRefreshed(cred, testToken(t, "tok_1"))
	require.Len(reported, 1)
	assert.True(errors.Is(reported[0], storage.ErrCannotReplaceToken))
}
