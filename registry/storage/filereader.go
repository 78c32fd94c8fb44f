package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
)

// fileReader implements a remote, resumable reader on a file in the storage
// backend. The reader is opened lazily, on the first call to Read.
type fileReader struct {
	driver storagedriver.StorageDriver

	ctx context.Context

	path string
	size int64 // total file size, required

	rc     io.ReadCloser // open backend reader, nil until first Read
	brd    *bufio.Reader // buffers rc, reused across reopens
	offset int64         // next read position
	err    error         // sticky; non-nil means the reader is closed
}

// newFileReader initializes a file reader for the remote file. The reader
// takes on the size and path of the backend file.
func newFileReader(ctx context.Context, driver storagedriver.StorageDriver, path string, size int64) (*fileReader, error) {
	return &fileReader{
		ctx:    ctx,
		driver: driver,
		path:   path,
		size:   size,
	}, nil
}

func (fr *fileReader) Read(p []byte) (n int, err error) {
	if fr.err != nil {
		return 0, fr.err
	}

	rd, err := fr.reader()
	if err != nil {
		return 0, err
	}

	n, err = rd.Read(p)
	fr.offset += int64(n)

	// Report EOF at the declared size even if the backend keeps going.
	if err == nil && fr.offset >= fr.size {
		err = io.EOF
	}

	return n, err
}

func (fr *fileReader) Seek(offset int64, whence int) (int64, error) {
	if fr.err != nil {
		return 0, fr.err
	}

	var err error
	newOffset := fr.offset

	switch whence {
	case io.SeekCurrent:
		newOffset += offset
	case io.SeekEnd:
		newOffset = fr.size + offset
	case io.SeekStart:
		newOffset = offset
	}

	if newOffset < 0 {
		err = fmt.Errorf("cannot seek to negative position")
	} else {
		if fr.offset != newOffset {
			fr.reset()
		}

		fr.offset = newOffset
	}

	return fr.offset, err
}

func (fr *fileReader) Close() error {
	return fr.closeWithErr(fmt.Errorf("fileReader: closed"))
}

// reader returns a buffered reader positioned at the current offset,
// opening the backend file on first use.
func (fr *fileReader) reader() (io.Reader, error) {
	if fr.err != nil {
		return nil, fr.err
	}

	if fr.rc != nil {
		return fr.brd, nil
	}

	rc, err := fr.driver.Reader(fr.ctx, fr.path, fr.offset)
	if err != nil {
		switch err := err.(type) {
		case storagedriver.PathNotFoundError:
			// A missing file reads as empty. fr.rc stays nil so a
			// later call retries the open in case the file appears.
			return io.NopCloser(bytes.NewReader([]byte{})), nil
		default:
			return nil, err
		}
	}

	fr.rc = rc

	if fr.brd == nil {
		fr.brd = bufio.NewReader(fr.rc)
	} else {
		fr.brd.Reset(fr.rc)
	}

	return fr.brd, nil
}

func (fr *fileReader) reset() {
	if fr.err != nil {
		return
	}
	if fr.rc != nil {
		fr.rc.Close()
		fr.rc = nil
	}
}

func (fr *fileReader) closeWithErr(err error) error {
	if fr.err != nil {
		return fr.err
	}

	fr.err = err

	if fr.rc != nil {
		fr.rc.Close()
	}

	fr.rc = nil
	fr.brd = nil

	return fr.err
}
