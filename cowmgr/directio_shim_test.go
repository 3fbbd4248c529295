package cowmgr

import (
	"context"
	"os"
)

// osFileDirectIO is a DirectIO fake backed by plain os.OpenFile, used so the
// package's tests exercise FileIO/Manager without depending on O_DIRECT
// support from the test filesystem (tmpfs and overlayfs, common in CI
// containers, both reject it). Mirrors fs/filedirectio_cases_test.go's
// errorDirectIO, minus the injectable failures this package's tests don't
// need.
type osFileDirectIO struct{}

func (osFileDirectIO) Open(ctx context.Context, filename string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(filename, flag, perm)
}

func (osFileDirectIO) ReadAt(ctx context.Context, file *os.File, p []byte, offset int64) (int, error) {
	return file.ReadAt(p, offset)
}

func (osFileDirectIO) WriteAt(ctx context.Context, file *os.File, p []byte, offset int64) (int, error) {
	return file.WriteAt(p, offset)
}

func (osFileDirectIO) Close(file *os.File) error { return file.Close() }

// Runs once for the test binary: point every Init/Reload call in this
// package's tests at the os.OpenFile-backed fake rather than real O_DIRECT.
func init() {
	if DirectIOSim == nil {
		DirectIOSim = osFileDirectIO{}
	}
}
