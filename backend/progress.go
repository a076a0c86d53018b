package backend

import (
	"context"
	"io"
)

// ProgressWriter wraps a writer, counts bytes written and reports them to a
// ProgressFunc.
type ProgressWriter struct {
	W     io.Writer
	Total int64 // -1 when unknown
	Fn    ProgressFunc
	N     int64
}

// NewProgressWriter returns a ProgressWriter. fn may be nil.
func NewProgressWriter(w io.Writer, total int64, fn ProgressFunc) *ProgressWriter {
	if total < 0 {
		total = -1
	}
	return &ProgressWriter{W: w, Total: total, Fn: fn}
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.W.Write(p)
	if n > 0 {
		pw.N += int64(n)
		if pw.Fn != nil {
			pw.Fn(pw.N, pw.Total)
		}
	}
	return n, err
}

// Copy streams r into w, reporting progress against total, and stops early
// when ctx is cancelled between reads.
func Copy(ctx context.Context, w io.Writer, r io.Reader, total int64, fn ProgressFunc) (int64, error) {
	pw := NewProgressWriter(w, total, fn)
	if fn != nil {
		fn(0, pw.Total)
	}
	n, err := io.Copy(pw, &ctxReader{ctx: ctx, r: r})
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
