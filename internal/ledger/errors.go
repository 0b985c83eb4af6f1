package ledger

import (
	"errors"
	"io/fs"
	"syscall"
)

var (
	// ErrAppend wraps any failure to durably write an entry.
	ErrAppend = errors.New("ledger: append failed")
	// ErrVerifyIO wraps I/O failures during verification, as opposed to
	// integrity failures which are reported, not returned.
	ErrVerifyIO = errors.New("ledger: verification read failed")
)

// SanitizeError renders an error without leaking filesystem paths into
// ledger entries or caller-visible messages.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		var errno syscall.Errno
		if errors.As(pathErr.Err, &errno) {
			return pathErr.Op + ": " + errno.Error()
		}
		return pathErr.Op + ": " + pathErr.Err.Error()
	}
	return err.Error()
}
