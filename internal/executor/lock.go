package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Lock serializes mutations. TryAcquire never blocks: a held lock means
// another change is in progress and the caller must refuse, not queue.
type Lock interface {
	TryAcquire(holder string) bool
	Release()
	// Holder returns the current holder, or "" when free.
	Holder() string
}

// MemoryLock is an in-process mutation lock.
type MemoryLock struct {
	mu     sync.Mutex
	holder string
}

// NewMemoryLock returns a free in-process lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{}
}

func (l *MemoryLock) TryAcquire(holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return false
	}
	if holder == "" {
		holder = "anonymous"
	}
	l.holder = holder
	return true
}

func (l *MemoryLock) Release() {
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()
}

func (l *MemoryLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// FileLock extends a MemoryLock across processes with an exclusive lock file
// holding "<pid> <holder>". A lock file whose pid no longer exists is stale
// and is taken over.
type FileLock struct {
	mem  MemoryLock
	path string
}

// NewFileLock returns a lock backed by path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (l *FileLock) TryAcquire(holder string) bool {
	if !l.mem.TryAcquire(holder) {
		return false
	}
	if err := l.create(holder); err != nil {
		l.mem.Release()
		return false
	}
	return true
}

func (l *FileLock) create(holder string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), holder)
			cerr := f.Close()
			if werr != nil {
				_ = os.Remove(l.path)
				return werr
			}
			return cerr
		}
		if !errors.Is(err, fs.ErrExist) || !l.stale() {
			return err
		}
		_ = os.Remove(l.path)
	}
	return fmt.Errorf("lock %s is contended", l.path)
}

func (l *FileLock) stale() bool {
	pid, _ := l.owner()
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	return errors.Is(err, fs.ErrNotExist)
}

func (l *FileLock) owner() (int, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, ""
	}
	pidText, holder, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	pid, err := strconv.Atoi(pidText)
	if err != nil {
		return 0, ""
	}
	return pid, holder
}

func (l *FileLock) Release() {
	if l.mem.Holder() == "" {
		return
	}
	_ = os.Remove(l.path)
	l.mem.Release()
}

func (l *FileLock) Holder() string {
	if h := l.mem.Holder(); h != "" {
		return h
	}
	if _, err := os.Stat(l.path); err != nil || l.stale() {
		return ""
	}
	pid, holder := l.owner()
	if holder == "" {
		return "pid " + strconv.Itoa(pid)
	}
	return holder
}
