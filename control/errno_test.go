package control

import (
	"errors"
	"fmt"
	"testing"

	snaptrace "github.com/snaptrace/engine"
)

func TestErrnoOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Errno
	}{
		{"nil", nil, 0},
		{"busy", snaptrace.Error{Code: snaptrace.Busy, Err: errors.New("x")}, EBUSY},
		{"inval", snaptrace.Error{Code: snaptrace.Inval, Err: errors.New("x")}, EINVAL},
		{"nodev", snaptrace.Error{Code: snaptrace.Nodev, Err: errors.New("x")}, ENODEV},
		{"nomem", snaptrace.Error{Code: snaptrace.Nomem, Err: errors.New("x")}, ENOMEM},
		{"ioerr", snaptrace.Error{Code: snaptrace.IOErr, Err: errors.New("x")}, EIO},
		{"fbig", snaptrace.Error{Code: snaptrace.Fbig, Err: errors.New("x")}, EFBIG},
		{"noent", snaptrace.Error{Code: snaptrace.Noent, Err: errors.New("x")}, ENOENT},
		{"perm", snaptrace.Error{Code: snaptrace.Perm, Err: errors.New("x")}, EPERM},
		{"acces", snaptrace.Error{Code: snaptrace.Acces, Err: errors.New("x")}, EACCES},
		{"fault", snaptrace.Error{Code: snaptrace.Fault, Err: errors.New("x")}, EFAULT},
		{"untagged", errors.New("plain"), EIO},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ErrnoOf(c.err); got != c.want {
				t.Errorf("ErrnoOf(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}

func TestErrnoOfUnwrapsWrappedSnaptraceError(t *testing.T) {
	wrapped := errors.New("context")
	base := snaptrace.Error{Code: snaptrace.Nodev, Err: wrapped}
	var err error = fmt.Errorf("op: %w", base)
	if got := ErrnoOf(err); got != ENODEV {
		t.Fatalf("ErrnoOf() = %d, want %d", got, ENODEV)
	}
}
