package intake

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/cascade-io/cascade/pkg/errors"
)

// Input supplies the bytes of a submission. Implementations that can be
// reopened allow a failed attempt to restart from the beginning;
// single-shot readers get exactly one attempt regardless of the retry
// budget.
type Input interface {
	// Open returns a reader positioned at the start of the input.
	Open(ctx context.Context) (io.ReadCloser, error)
	// Size returns the input size in bytes.
	Size() (int64, error)
	// Reopenable reports whether Open may be called again after a failure.
	Reopenable() bool
}

// BytesInput wraps an in-memory payload. The slice is not copied; the
// caller must not mutate it while the job runs.
func BytesInput(data []byte) Input {
	return &bytesInput{data: data}
}

type bytesInput struct {
	data []byte
}

func (i *bytesInput) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(i.data)), nil
}

func (i *bytesInput) Size() (int64, error) {
	return int64(len(i.data)), nil
}

func (i *bytesInput) Reopenable() bool { return true }

// FileInput reads from a file on disk. The size is resolved from the
// filesystem at submission time.
func FileInput(path string) Input {
	return &fileInput{path: path}
}

type fileInput struct {
	path string
}

func (i *fileInput) Open(context.Context) (io.ReadCloser, error) {
	f, err := os.Open(i.path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInputNotFound, "failed to open input file").
			WithDetail("path", i.path)
	}
	return f, nil
}

func (i *fileInput) Size() (int64, error) {
	info, err := os.Stat(i.path)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInputNotFound, "failed to stat input file").
			WithDetail("path", i.path)
	}
	if info.IsDir() {
		return 0, errors.New(errors.ErrorTypeUnsupportedInput, "input path is a directory").
			WithDetail("path", i.path)
	}
	return info.Size(), nil
}

func (i *fileInput) Reopenable() bool { return true }

// ReaderInput wraps an arbitrary reader with a declared size. Seekable
// readers rewind on reopen; anything else is single-attempt.
func ReaderInput(r io.Reader, size int64) Input {
	return &readerInput{r: r, size: size}
}

type readerInput struct {
	mu     sync.Mutex
	r      io.Reader
	size   int64
	opened bool
}

func (i *readerInput) Open(context.Context) (io.ReadCloser, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.opened {
		s, ok := i.r.(io.Seeker)
		if !ok {
			return nil, errors.New(errors.ErrorTypeUnsupportedInput, "reader input cannot be reopened")
		}
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStream, "failed to rewind input")
		}
	}
	i.opened = true

	return io.NopCloser(i.r), nil
}

func (i *readerInput) Size() (int64, error) {
	if i.size < 0 {
		return 0, errors.New(errors.ErrorTypeUnsupportedInput, "input size is unknown")
	}
	return i.size, nil
}

func (i *readerInput) Reopenable() bool {
	_, ok := i.r.(io.Seeker)
	return ok
}
