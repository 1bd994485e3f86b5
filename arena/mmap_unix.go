//go:build unix

package arena

import (
	"os"

	"github.com/facebookgo/stackerr"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

const filePerm = 0644

type mmapBacking struct {
	data []byte
	file *os.File // Nil for anonymous mapping.
}

func mapAnonymous(size int) (backing, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &mmapBacking{data: data}, nil
}

// mapFile maps file truncated to size. Previous file content is not reused: cache is not persistent.
func mapFile(name string, size int) (backing, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	if err = f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, stackerr.Wrap(err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, stackerr.Wrap(err)
	}
	return &mmapBacking{data: data, file: f}, nil
}

func (m *mmapBacking) bytes() []byte { return m.data }

// close unmaps memory and closes file. All errors are reported.
func (m *mmapBacking) close() error {
	var result *multierror.Error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			result = multierror.Append(result, stackerr.Wrap(err))
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			result = multierror.Append(result, stackerr.Wrap(err))
		}
		m.file = nil
	}
	return result.ErrorOrNil()
}
