package database

import (
	"context"

	"github.com/firetree/firetree/pkg/value"
)

// Future is the pending result of an asynchronous call. It completes exactly once.
type Future struct {
	done chan struct{}
	val  value.Value
	err  error
}

func newFuture(fn func() (value.Value, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call completes or ctx is done. Giving up on the wait
// does not cancel the call; pass a cancellable context to the *Async method for that.
func (f *Future) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return value.Null, ctx.Err()
	}
}

// OnComplete runs fn in its own goroutine once the call completes.
func (f *Future) OnComplete(fn func(value.Value, error)) {
	go func() {
		<-f.done
		fn(f.val, f.err)
	}()
}

// GetAsync runs Get in the background.
func (c *Client) GetAsync(ctx context.Context, path string) *Future {
	return newFuture(func() (value.Value, error) { return c.Get(ctx, path) })
}

// PostAsync runs Post in the background.
func (c *Client) PostAsync(ctx context.Context, path string, v map[string]any) *Future {
	return newFuture(func() (value.Value, error) { return c.Post(ctx, path, v) })
}

// PutAsync runs Put in the background.
func (c *Client) PutAsync(ctx context.Context, path string, v map[string]any) *Future {
	return newFuture(func() (value.Value, error) { return c.Put(ctx, path, v) })
}

// PatchAsync runs Patch in the background.
func (c *Client) PatchAsync(ctx context.Context, path string, v map[string]any) *Future {
	return newFuture(func() (value.Value, error) { return c.Patch(ctx, path, v) })
}

// DeleteAsync runs Delete in the background.
func (c *Client) DeleteAsync(ctx context.Context, path string) *Future {
	return newFuture(func() (value.Value, error) { return c.Delete(ctx, path) })
}
