package progress

import (
	"context"
	"io"
)

// Reader wraps an io.Reader and reports cumulative progress via a callback.
type Reader struct {
	Reader     io.Reader
	Total      int64 // -1 when the content length is unknown
	OnProgress func(read int64, total int64)

	totalRead      int64
	sinceReport    int64
	reportInterval int64 // bytes between callbacks
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval || (pr.Total > 0 && pr.totalRead == pr.Total) {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

// ctxReader makes a blocking copy cancellable by failing the next chunk read
// once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

// NewContextReader wraps r so every Read checks ctx first. Cancellation is
// cooperative and observed at chunk boundaries.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}

	return cr.r.Read(p)
}
