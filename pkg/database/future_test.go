package database

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fterrors "github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/pkg/value"
)

func TestFutureWait(t *testing.T) {
	db := newFakeDatabase(t, http.StatusOK, `"done"`)
	c, err := NewClient(db.URL, staticTokens{"tok"})
	require.NoError(t, err)

	f := c.GetAsync(context.Background(), "x")
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, value.String("done").Equal(v))

	select {
	case <-f.Done():
	default:
		t.Fatal("Done should be closed after Wait returns the result")
	}
}

func TestFutureOnComplete(t *testing.T) {
	db := newFakeDatabase(t, http.StatusNotFound, `{"error":"missing"}`)
	c, err := NewClient(db.URL, staticTokens{"tok"})
	require.NoError(t, err)

	results := make(chan error, 4)
	ctx := context.Background()
	for _, f := range []*Future{
		c.PostAsync(ctx, "x", map[string]any{"a": 1}),
		c.PutAsync(ctx, "x", map[string]any{"a": 1}),
		c.PatchAsync(ctx, "x", map[string]any{"a": 1}),
		c.DeleteAsync(ctx, "x"),
	} {
		f.OnComplete(func(_ value.Value, err error) { results <- err })
	}

	for i := 0; i < 4; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, fterrors.ErrNotFound)
		case <-time.After(2 * time.Second):
			t.Fatal("completion handler not called")
		}
	}
}

func TestFutureWaitGivesUp(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`null`))
	}))
	defer ts.Close()
	defer close(release)

	c, err := NewClient(ts.URL, staticTokens{"tok"})
	require.NoError(t, err)

	f := c.GetAsync(context.Background(), "slow")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
