package cowmgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ncw/directio"
	"github.com/sethvargo/go-retry"

	snaptrace "github.com/snaptrace/engine"
)

// DirectIO abstracts the open/read/write/close operations that require
// O_DIRECT in production, so a FileIO can be pointed at a plain
// os.File-backed fake on filesystems that reject O_DIRECT (tmpfs, overlayfs
// — common in CI containers). Mirrors fs/directio.go's seam.
type DirectIO interface {
	Open(ctx context.Context, filename string, flag int, perm os.FileMode) (*os.File, error)
	ReadAt(ctx context.Context, file *os.File, p []byte, offset int64) (int, error)
	WriteAt(ctx context.Context, file *os.File, p []byte, offset int64) (int, error)
	Close(file *os.File) error
}

type realDirectIO struct{}

// NewDirectIO returns the production DirectIO, backed by
// github.com/ncw/directio's O_DIRECT-opened files.
func NewDirectIO() DirectIO { return realDirectIO{} }

func (realDirectIO) Open(ctx context.Context, filename string, flag int, perm os.FileMode) (*os.File, error) {
	return directio.OpenFile(filename, flag, perm)
}

func (realDirectIO) ReadAt(ctx context.Context, file *os.File, p []byte, offset int64) (int, error) {
	return file.ReadAt(p, offset)
}

func (realDirectIO) WriteAt(ctx context.Context, file *os.File, p []byte, offset int64) (int, error) {
	return file.WriteAt(p, offset)
}

func (realDirectIO) Close(file *os.File) error { return file.Close() }

// DirectIOSim overrides the DirectIO implementation NewFileIO binds to a
// new instance; nil (the default) means NewDirectIO(). Tests set this to a
// non-O_DIRECT fake, mirroring fs/filedirectio.go's DirectIOSim.
var DirectIOSim DirectIO

// FileIO wraps a single open backing-file handle with aligned (direct) I/O
// and transient-error retry, grounded on fs/filedirectio.go and
// fs/fileio.go's retryIO helper. Exactly one FileIO exists per open COW
// manager; the COW worker and synchronous control-plane paths are the only
// callers.
type FileIO struct {
	file     *os.File
	filename string
	directIO DirectIO
}

// NewFileIO returns an unopened FileIO bound to DirectIOSim, or NewDirectIO()
// if DirectIOSim is nil.
func NewFileIO() *FileIO {
	return NewFileIOWithDirectIO(DirectIOSim)
}

// NewFileIOWithDirectIO returns an unopened FileIO bound to dio. A nil dio
// falls back to NewDirectIO().
func NewFileIOWithDirectIO(dio DirectIO) *FileIO {
	if dio == nil {
		dio = NewDirectIO()
	}
	return &FileIO{directIO: dio}
}

// Open opens filename with the given flag/permission through the bound
// DirectIO. Enforces single-open per instance to avoid handle leaks.
func (f *FileIO) Open(ctx context.Context, filename string, flag int, perm os.FileMode) error {
	if f.file != nil {
		return fmt.Errorf("cowmgr: file already open for this FileIO instance")
	}
	fh, err := f.directIO.Open(ctx, filename, flag, perm)
	if err != nil {
		return err
	}
	f.file = fh
	f.filename = filename
	return nil
}

// Close closes the underlying handle if open.
func (f *FileIO) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.directIO.Close(f.file)
	f.file = nil
	f.filename = ""
	return err
}

// AlignedBlock returns a sector-aligned buffer of the given size, suitable
// for direct I/O.
func (f *FileIO) AlignedBlock(size int) []byte {
	return directio.AlignedBlock(size)
}

// ReadAt reads len(p) bytes at offset with retry on transient errors.
func (f *FileIO) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	var n int
	err := f.retry(ctx, func(ctx context.Context) error {
		var e error
		n, e = f.directIO.ReadAt(ctx, f.file, p, offset)
		return e
	})
	return n, err
}

// WriteAt writes p at offset with retry on transient errors.
func (f *FileIO) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	var n int
	err := f.retry(ctx, func(ctx context.Context) error {
		var e error
		n, e = f.directIO.WriteAt(ctx, f.file, p, offset)
		return e
	})
	return n, err
}

// Truncate resizes the underlying file.
func (f *FileIO) Truncate(size int64) error {
	if f.file == nil {
		return fmt.Errorf("cowmgr: no opened file to truncate")
	}
	return f.file.Truncate(size)
}

// Sync flushes the underlying file to stable storage.
func (f *FileIO) Sync() error {
	if f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// Size returns the current file size.
func (f *FileIO) Size() (int64, error) {
	if f.file == nil {
		return 0, fmt.Errorf("cowmgr: no opened file")
	}
	st, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// IsEOF reports whether err is io.EOF.
func IsEOF(err error) bool { return err == io.EOF }

// retry is a package-local retry helper mirroring fs/fileio.go's retryIO:
// retries retryable errors with Fibonacci backoff, wraps terminal errors as
// snaptrace.Error{Code: IOErr} so the tracer can set its sticky fail code.
func (f *FileIO) retry(ctx context.Context, task func(ctx context.Context) error) error {
	b := retry.NewFibonacci(1 * time.Second)
	return retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		err := task(ctx)
		if err == nil {
			return nil
		}
		if snaptrace.ShouldRetry(err) && !snaptrace.IsTerminalIOError(err) {
			return retry.RetryableError(err)
		}
		return snaptrace.Error{Code: snaptrace.IOErr, Err: err}
	})
}
