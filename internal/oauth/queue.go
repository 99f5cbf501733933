package oauth

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// TokenRefresher performs one refresh round-trip
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) TokenResult
}

// RefreshQueue coalesces concurrent refreshes of the same refresh token onto one
// request. The shared request is detached from any single caller's cancellation;
// a caller whose ctx ends stops waiting but the refresh completes for the others.
//
// Hooks registered with OnRefreshed run inside the shared call, before the key is
// released, so a caller arriving after the flight already sees the rotated token.
type RefreshQueue struct {
	refresher TokenRefresher
	group     singleflight.Group
	waiting   atomic.Int64

	mu    sync.RWMutex
	hooks []func(refreshToken string, res TokenResult)
}

// NewRefreshQueue wraps a refresher
func NewRefreshQueue(r TokenRefresher) *RefreshQueue {
	return &RefreshQueue{refresher: r}
}

// Refresh joins or starts the in-flight refresh for refreshToken
func (q *RefreshQueue) Refresh(ctx context.Context, refreshToken string) TokenResult {
	detached := context.WithoutCancel(ctx)
	ch := q.group.DoChan(refreshToken, func() (interface{}, error) {
		res := q.refresher.Refresh(detached, refreshToken)
		if res.OK() {
			q.mu.RLock()
			hooks := q.hooks
			q.mu.RUnlock()
			for _, fn := range hooks {
				fn(refreshToken, res)
			}
		}
		return res, nil
	})
	q.waiting.Add(1)
	defer q.waiting.Add(-1)

	select {
	case <-ctx.Done():
		return Failed(ReasonNetworkError, 0, ctx.Err().Error())
	case res := <-ch:
		return res.Val.(TokenResult)
	}
}

// OnRefreshed registers fn to receive every successful refresh with the token it used
func (q *RefreshQueue) OnRefreshed(fn func(refreshToken string, res TokenResult)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, fn)
}

// Waiting returns how many callers are currently waiting on a refresh
func (q *RefreshQueue) Waiting() int {
	return int(q.waiting.Load())
}
