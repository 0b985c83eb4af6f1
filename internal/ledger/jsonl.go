package ledger

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/pkg/types"
)

const tailReadChunkSize = 4096

// JSONL is the file-backed ledger: one canonical-JSON entry per line,
// LF-terminated, fsynced per append. Exclusion is by advisory file lock, so
// it is single-host only; multi-process hosts should prefer the relational
// backends.
type JSONL struct {
	path string
	key  ed25519.PrivateKey
}

func NewJSONL(path string, key ed25519.PrivateKey) *JSONL {
	return &JSONL{path: path, key: key}
}

func (l *JSONL) Append(entry map[string]any) (AppendResult, error) {
	res, err := l.append(entry)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: %s", ErrAppend, SanitizeError(err))
	}
	return res, nil
}

func (l *JSONL) append(entry map[string]any) (AppendResult, error) {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return AppendResult{}, err
		}
	}
	_, statErr := os.Stat(l.path)
	creating := errors.Is(statErr, os.ErrNotExist)
	// #nosec G304 -- path is operator-configured.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return AppendResult{}, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return AppendResult{}, err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	lastHash, tailEnd, err := readTailState(f)
	if err != nil {
		return AppendResult{}, err
	}

	prepared, entryHash, err := PrepareEntry(entry, lastHash, l.key)
	if err != nil {
		return AppendResult{}, err
	}
	line, err := crypto.Canonicalize(prepared)
	if err != nil {
		return AppendResult{}, err
	}

	// A torn line from a crashed writer is dropped before the new entry is
	// written, so readers only ever see whole entries.
	if err := f.Truncate(tailEnd); err != nil {
		return AppendResult{}, err
	}
	if _, err := f.Seek(tailEnd, io.SeekStart); err != nil {
		return AppendResult{}, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return AppendResult{}, err
	}
	if err := f.Sync(); err != nil {
		return AppendResult{}, err
	}
	// The directory entry for a freshly created file is not durable until
	// the directory itself is synced.
	if creating {
		if err := syncDir(filepath.Dir(l.path)); err != nil {
			return AppendResult{}, err
		}
	}
	return AppendResult{EntryHash: entryHash, Entry: prepared}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (l *JSONL) Verify(publicKey ed25519.PublicKey) (types.VerifyReport, error) {
	// #nosec G304 -- path is operator-configured.
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewValidator(publicKey).Report(), nil
	}
	if err != nil {
		return types.VerifyReport{}, fmt.Errorf("%w: %s", ErrVerifyIO, SanitizeError(err))
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return types.VerifyReport{}, fmt.Errorf("%w: %s", ErrVerifyIO, SanitizeError(err))
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	v := NewValidator(publicKey)
	err = readLines(f, func(line string, torn bool) error {
		if torn {
			v.Fail(types.FailCanonicalForm, "truncated trailing line")
			return errStopScan
		}
		entry, err := DecodeEntry(line)
		if err != nil {
			v.Fail(types.FailCanonicalForm, err.Error())
			return errStopScan
		}
		if !v.Observe(ParsedEntry{Entry: entry, Raw: line}) {
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return types.VerifyReport{}, fmt.Errorf("%w: %s", ErrVerifyIO, SanitizeError(err))
	}
	return v.Report(), nil
}

func (l *JSONL) Scan(fn func(position int, entry map[string]any) error) error {
	// #nosec G304 -- path is operator-configured.
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	position := 0
	return readLines(f, func(line string, torn bool) error {
		// An in-flight append's partial line is treated as absent.
		if torn {
			return nil
		}
		entry, err := DecodeEntry(line)
		if err != nil {
			return err
		}
		if err := fn(position, entry); err != nil {
			return err
		}
		position++
		return nil
	})
}

var errStopScan = errors.New("stop scan")

// readLines yields complete lines without their terminator. A final line
// lacking a terminator is yielded once with torn=true.
func readLines(f *os.File, fn func(line string, torn bool) error) error {
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				return fn(line, true)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(strings.TrimSuffix(line, "\n"), false); err != nil {
			return err
		}
	}
}

// DecodeEntry parses one stored canonical-JSON entry. Numbers decode as
// json.Number so re-canonicalization is byte-exact.
func DecodeEntry(line string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err)
	}
	entry, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("line is not an object")
	}
	return entry, nil
}

// readTailState returns the entry_hash of the last complete line and the
// offset past it, reading backwards so large ledgers are not scanned.
func readTailState(f *os.File) (string, int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return "", 0, err
	}
	if size == 0 {
		return "", 0, nil
	}

	var data []byte
	pos := size
	for pos > 0 {
		readSize := int64(tailReadChunkSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return "", 0, err
		}
		data = append(chunk, data...)
		if pos == 0 || bytes.IndexByte(data[:len(data)-1], '\n') >= 0 {
			break
		}
	}

	end := size
	if data[len(data)-1] != '\n' {
		// Torn tail from a crashed writer; chain from the last whole line.
		idx := bytes.LastIndexByte(data, '\n')
		if idx < 0 {
			return "", pos, nil
		}
		end = pos + int64(idx) + 1
		data = data[:idx+1]
	}

	trimmed := bytes.TrimRight(data, "\n")
	if len(trimmed) == 0 {
		return "", end, nil
	}
	lastLine := trimmed
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		lastLine = trimmed[idx+1:]
	}

	entry, err := DecodeEntry(string(lastLine))
	if err != nil {
		return "", 0, err
	}
	entryHash, ok := entry["entry_hash"].(string)
	if !ok {
		return "", 0, fmt.Errorf("entry_hash missing on last entry")
	}
	return entryHash, end, nil
}
