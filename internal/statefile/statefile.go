// Package statefile writes and recovers state files with a three-file
// rotation: name (current), name.old (previous), name.new (in progress).
package statefile

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// MinSize is the smallest current file trusted on recovery; anything shorter
// falls back to the previous generation.
const MinSize = 10

// lock serializes every state writer in the process so two snapshots never
// interleave their rotation steps.
var lock sync.Mutex

// Save writes data to dir/name. The data is written and synced to name.new,
// then name.old is replaced by the current file and name.new becomes current.
func Save(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "create state directory %s", dir)
	}
	cur := filepath.Join(dir, name)
	old := cur + ".old"
	tmp := cur + ".new"

	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", tmp)
	}

	removeIfExists(old)
	if err := os.Link(cur, old); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "link %s to %s", cur, old)
	}
	removeIfExists(cur)
	if err := os.Link(tmp, cur); err != nil {
		return errors.Wrapf(err, "link %s to %s", tmp, cur)
	}
	removeIfExists(tmp)
	return nil
}

// Open reads dir/name, falling back to name.old when the current file is
// missing or shorter than MinSize. It returns the path actually read.
// A missing pair yields os.ErrNotExist.
func Open(dir, name string) ([]byte, string, error) {
	cur := filepath.Join(dir, name)
	data, err := os.ReadFile(cur)
	if err == nil && len(data) >= MinSize {
		return data, cur, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, cur, errors.Wrapf(err, "read %s", cur)
	}

	old := cur + ".old"
	data, err = os.ReadFile(old)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, old, os.ErrNotExist
		}
		return nil, old, errors.Wrapf(err, "read %s", old)
	}
	return data, old, nil
}

// removeIfExists ignores errors; a failed unlink surfaces as a failed link.
func removeIfExists(path string) {
	_ = os.Remove(path)
}
