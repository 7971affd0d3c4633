package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const def = "meta-llama/llama-3.3-70b-instruct:free"

type mockLister struct {
	ListModelsFunc func(ctx context.Context) ([]string, error)
	calls          atomic.Int32
}

func (m *mockLister) ListModels(ctx context.Context) ([]string, error) {
	m.calls.Add(1)
	return m.ListModelsFunc(ctx)
}

func listOf(ids ...string) *mockLister {
	return &mockLister{ListModelsFunc: func(ctx context.Context) ([]string, error) { return ids, nil }}
}

func TestNew_SeedSnapshotContainsDefault(t *testing.T) {
	c := New(listOf(), Config{DefaultModel: def, SeedModels: []string{"a:free", " "}})

	snap := c.Snapshot()
	assert.True(t, snap.Contains(def))
	assert.True(t, snap.Contains("a:free"))
	assert.False(t, snap.Contains(""))
	assert.Equal(t, def, snap.Default())
	assert.True(t, snap.FetchedAt().IsZero())
}

func TestFresh_SeedSnapshotGracePeriod(t *testing.T) {
	failing := &mockLister{ListModelsFunc: func(ctx context.Context) ([]string, error) {
		return nil, errors.New("upstream down")
	}}
	c := New(failing, Config{DefaultModel: def})
	start := c.created

	require.Error(t, c.Refresh(context.Background()))
	assert.True(t, c.Fresh(10*time.Minute), "seed snapshot serves while the first refreshes fail")

	c.now = func() time.Time { return start.Add(11 * time.Minute) }
	assert.False(t, c.Fresh(10*time.Minute), "still unrefreshed after the grace period")
}

func TestRefresh_KeepsOnlyFreeModels(t *testing.T) {
	c := New(listOf(def, "openai/gpt-4o", "google/gemma-2-9b-it:free", "mistral/tiny"), Config{
		DefaultModel:    def,
		ExtraFreeModels: []string{"mistral/tiny"},
	})

	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, []string{"google/gemma-2-9b-it:free", def, "mistral/tiny"}, snap.Models())
	assert.False(t, snap.Contains("openai/gpt-4o"), "premium models are never admitted")
	assert.True(t, c.Fresh(time.Minute))
}

func TestRefresh_IntersectsAllowlist(t *testing.T) {
	c := New(listOf(def, "a:free", "b:free"), Config{
		DefaultModel:  def,
		AllowedModels: []string{"b:free"},
	})

	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	assert.False(t, snap.Contains("a:free"))
	assert.True(t, snap.Contains("b:free"))
	assert.True(t, snap.Contains(def), "default survives the allowlist")
}

func TestRefresh_FailsClosed(t *testing.T) {
	t.Run("lister error", func(t *testing.T) {
		lister := listOf(def, "a:free")
		c := New(lister, Config{DefaultModel: def})
		require.NoError(t, c.Refresh(context.Background()))
		before := c.Snapshot()

		lister.ListModelsFunc = func(ctx context.Context) ([]string, error) {
			return nil, errors.New("upstream down")
		}
		assert.Error(t, c.Refresh(context.Background()))
		assert.Same(t, before, c.Snapshot())
	})

	t.Run("default missing upstream", func(t *testing.T) {
		lister := listOf(def, "a:free")
		c := New(lister, Config{DefaultModel: def})
		require.NoError(t, c.Refresh(context.Background()))
		before := c.Snapshot()

		lister.ListModelsFunc = func(ctx context.Context) ([]string, error) {
			return []string{"b:free"}, nil
		}
		assert.Error(t, c.Refresh(context.Background()))
		assert.Same(t, before, c.Snapshot())
		assert.True(t, c.Snapshot().Contains("a:free"))
	})
}

func TestRun_RefreshesUntilCancelled(t *testing.T) {
	lister := listOf(def)
	c := New(lister, Config{DefaultModel: def})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return lister.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOpenAILister(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"a:free","object":"model"},{"id":"b","object":"model"}]}`))
	}))
	defer srv.Close()

	l := NewOpenAILister(srv.URL+"/api/v1", "sk-test", srv.Client())
	ids, err := l.ListModels(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a:free", "b"}, ids)
	assert.Equal(t, "Bearer sk-test", auth)
}

func TestOpenAILister_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := NewOpenAILister(srv.URL, "sk-test", nil)
	_, err := l.ListModels(context.Background())
	assert.Error(t, err)
}
