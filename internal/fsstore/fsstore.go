// Package fsstore adapts a directory on the local filesystem to
// tftp.Handler, playing the same role the teacher's cmd/server FileHandler
// played against gotftp.FileHandler - but built against the engine's
// Producer/Consumer callbacks instead of io.ReaderAt/io.WriterAt, and
// rooted to a single directory to keep RRQ/WRQ filenames from escaping it.
package fsstore

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/eahydra/gotftp/tftp"
)

// Store is a tftp.Handler backed by files under Root. ReadOnly rejects
// every WRQ with ERROR(2, "server is read-only") before touching the
// filesystem.
type Store struct {
	Root     string
	ReadOnly bool
	Log      *logrus.Entry
}

// New returns a Store rooted at root.
func New(root string, readOnly bool) *Store {
	return &Store{Root: root, ReadOnly: readOnly}
}

// resolve confines filename to Root: a leading "/" is prepended before
// Clean so a client-supplied "../../etc/passwd" collapses to a path under
// Root rather than escaping it.
func (s *Store) resolve(filename string) string {
	clean := filepath.Clean(string(filepath.Separator) + filename)
	return filepath.Join(s.Root, clean)
}

func (s *Store) log() *logrus.Entry {
	if s.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return s.Log
}

// OnRead opens filename for a server_reader (RRQ) transfer and returns a
// Producer reading from it in block order; the returned io.Closer must be
// closed by the caller once the transfer ends.
func (s *Store) OnRead(ctx context.Context, remoteAddr net.Addr, filename string) (tftp.Producer, io.Closer, error) {
	path := s.resolve(filename)
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &tftp.PeerError{Code: tftp.ErrCodeFileNotFound, Message: "File not found"}
		}
		return nil, nil, &tftp.PeerError{Code: tftp.ErrCodeAccessViolation, Message: "Access violation"}
	}
	s.log().WithFields(logrus.Fields{"peer": remoteAddr.String(), "path": path}).Info("serving RRQ")

	producer := func(buf []byte) (int, error) {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return n, nil
		}
		return n, err
	}
	return producer, f, nil
}

// OnWrite opens filename for a server_writer (WRQ) transfer. Per spec.md's
// overwrite guard (supplementing the teacher's IsFileExist check), a
// pre-existing file is refused with ERROR(6, "File already exists") rather
// than silently truncated. The returned io.Closer must be closed by the
// caller once the transfer ends.
func (s *Store) OnWrite(ctx context.Context, remoteAddr net.Addr, filename string) (tftp.Consumer, io.Closer, error) {
	if s.ReadOnly {
		return nil, nil, &tftp.PeerError{Code: tftp.ErrCodeAccessViolation, Message: "server is read-only"}
	}
	path := s.resolve(filename)
	if _, err := os.Stat(path); err == nil {
		return nil, nil, &tftp.PeerError{Code: tftp.ErrCodeFileExists, Message: "File already exists"}
	} else if !os.IsNotExist(err) {
		return nil, nil, &tftp.PeerError{Code: tftp.ErrCodeAccessViolation, Message: "Access violation"}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, &tftp.PeerError{Code: tftp.ErrCodeAccessViolation, Message: "Access violation"}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, &tftp.PeerError{Code: tftp.ErrCodeAccessViolation, Message: "Access violation"}
	}
	s.log().WithFields(logrus.Fields{"peer": remoteAddr.String(), "path": path}).Info("serving WRQ")

	consumer := func(payload []byte) error {
		if len(payload) == 0 {
			return nil
		}
		_, err := f.Write(payload)
		return err
	}
	return consumer, f, nil
}
