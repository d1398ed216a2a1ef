// Package atomic replaces files so readers never observe partial contents.
package atomic

import (
	"os"
	"path/filepath"
)

// File buffers writes in a temporary file next to path and renames it over
// path on Close.
type File struct {
	tf   *os.File
	path string
}

func Open(path string) (*File, error) {
	// Same directory as path, so the rename does not cross filesystems.
	tf, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &File{tf: tf, path: path}, nil
}

func (f *File) Write(d []byte) (int, error) { return f.tf.Write(d) }

// Abort discards everything written so far.
func (f *File) Abort() error {
	f.tf.Close()
	return os.Remove(f.tf.Name())
}

func (f *File) Close() error {
	err := f.tf.Sync()
	if cerr := f.tf.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(f.tf.Name(), 0o644)
	}
	if err != nil {
		os.Remove(f.tf.Name())
		return err
	}
	return os.Rename(f.tf.Name(), f.path)
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}
