package feedlog

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/jannickheisch/tinyISP/internal/wire"
)

const (
	logFile = "log"
	midFile = "mid"

	pendingPrefix  = "!"
	completePrefix = "-"
)

// chainPath returns the side-chain file of fid.seq, complete or pending.
func (s *Store) chainPath(fid wire.FeedID, seq uint32, complete bool) string {
	prefix := pendingPrefix
	if complete {
		prefix = completePrefix
	}

	return filepath.Join(s.feedDir(fid), prefix+strconv.FormatUint(uint64(seq), 10))
}

// touch creates an empty file unless it exists.
func touch(fsys afero.Fs, path string) error {
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	return f.Close()
}

func exists(fsys afero.Fs, path string) bool {
	ok, err := afero.Exists(fsys, path)
	return ok && err == nil
}

func writeFile(fsys afero.Fs, path string, data []byte) error {
	return afero.WriteFile(fsys, path, data, 0o644)
}

func appendFile(fsys afero.Fs, path string, data []byte) error {
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// appendRecord appends pkt to the log and mid to the hash index. If the index
// write fails the log is cut back so both files keep the same entry count.
func appendRecord(fsys afero.Fs, logPath, midPath string, pkt, mid []byte) error {
	size, err := fileSize(fsys, logPath)
	if err != nil {
		return err
	}

	if err := appendFile(fsys, logPath, pkt); err != nil {
		return err
	}

	if err := appendFile(fsys, midPath, mid); err != nil {
		if f, terr := fsys.OpenFile(logPath, os.O_WRONLY, 0o644); terr == nil {
			_ = f.Truncate(size)
			f.Close()
		}

		return err
	}

	return nil
}

// fileSize returns the size of path, zero if it does not exist.
func fileSize(fsys afero.Fs, path string) (int64, error) {
	info, err := fsys.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// readAt reads exactly n bytes at off. A short file yields io.ErrUnexpectedEOF.
func readAt(fsys afero.Fs, path string, off int64, n int) ([]byte, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)

	got, err := f.ReadAt(buf, off)
	if got == n {
		return buf, nil
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return nil, io.ErrUnexpectedEOF
}
