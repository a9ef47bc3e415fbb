package registry

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

type throttledReader struct {
	rc      io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context

	burst int
}

func newThrottledReader(ctx context.Context, rc io.ReadCloser, limiter *rate.Limiter) io.ReadCloser {
	return &throttledReader{
		rc:      rc,
		limiter: limiter,
		ctx:     ctx,
		burst:   limiter.Burst(),
	}
}

func (r *throttledReader) Read(p []byte) (n int, err error) {
	n, err = r.rc.Read(p[:min(len(p), r.burst)])
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *throttledReader) Close() error {
	return r.rc.Close()
}
