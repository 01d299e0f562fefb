package progress

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReader_ReportsAtInterval(t *testing.T) {
	var reports []int64

	r := NewReader(strings.NewReader(strings.Repeat("a", 100)), 100, 40, func(read, total int64) {
		require.Equal(t, int64(100), total)
		reports = append(reports, read)
	})

	n, err := io.Copy(io.Discard, iotest(r, 10))
	require.NoError(t, err)
	require.Equal(t, int64(100), n)

	// Reports at each 40-byte boundary plus one at exact completion.
	require.Equal(t, []int64{40, 80, 100}, reports)
}

func TestReader_ReportsCompletionEvenBelowInterval(t *testing.T) {
	var reports []int64

	r := NewReader(strings.NewReader("tiny"), 4, 1024, func(read, _ int64) {
		reports = append(reports, read)
	})

	_, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, reports)
}

func TestReader_UnknownTotal(t *testing.T) {
	var reports int

	r := NewReader(strings.NewReader(strings.Repeat("a", 50)), -1, 20, func(_, total int64) {
		require.Equal(t, int64(-1), total)
		reports++
	})

	_, err := io.Copy(io.Discard, iotest(r, 10))
	require.NoError(t, err)
	require.Equal(t, 2, reports)
}

func TestContextReader_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := NewContextReader(ctx, strings.NewReader(strings.Repeat("a", 100)))

	buf := make([]byte, 10)
	_, err := r.Read(buf)
	require.NoError(t, err)

	cancel()

	_, err = r.Read(buf)
	require.True(t, errors.Is(err, context.Canceled))
}

// iotest caps each Read at chunk bytes so interval boundaries are exercised.
func iotest(r io.Reader, chunk int) io.Reader {
	return &chunkReader{r: r, chunk: chunk}
}

type chunkReader struct {
	r     io.Reader
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}

	return c.r.Read(p)
}
