// Package process resolves the processes that own audio sessions.
package process

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/procfs"

	"audioguard/internal/domain"
	"audioguard/internal/logging"
)

// Resolver implements domain.ProcessResolver. Live lookups read the proc
// filesystem; processes registered with Register are known without it,
// which is how simulated sessions resolve.
type Resolver struct {
	mu     sync.RWMutex
	cache  map[uint32]domain.ProcessInfo
	static map[uint32]string

	fs    procfs.FS
	hasFS bool
}

var _ domain.ProcessResolver = (*Resolver)(nil)

// NewResolver uses the default /proc mount. Without one only registered
// processes resolve.
func NewResolver() *Resolver {
	return NewResolverAt(procfs.DefaultMountPoint)
}

// NewResolverAt reads process data below root.
func NewResolverAt(root string) *Resolver {
	r := &Resolver{
		cache:  make(map[uint32]domain.ProcessInfo),
		static: make(map[uint32]string),
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		logging.Debugf("proc filesystem unavailable at %s: %v", root, err)
		return r
	}
	r.fs, r.hasFS = fs, true
	return r
}

// Register makes pid resolvable as name regardless of the proc filesystem.
func (r *Resolver) Register(pid uint32, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[pid] = name
}

// Unregister reverses Register and drops the cached record, as when the
// process exits.
func (r *Resolver) Unregister(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.static, pid)
	delete(r.cache, pid)
}

func (r *Resolver) Resolve(pid uint32) (domain.ProcessInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.cache[pid]
	return info, ok
}

// Lookup finds the live process. displayName is only used in errors; a
// session's display name is not a reliable process name.
func (r *Resolver) Lookup(pid uint32, displayName string) (domain.ProcessInfo, error) {
	r.mu.RLock()
	name, ok := r.static[pid]
	r.mu.RUnlock()
	if ok {
		return domain.ProcessInfo{PID: pid, Name: name}, nil
	}

	if r.hasFS {
		proc, err := r.fs.Proc(int(pid))
		if err == nil {
			comm, err := proc.Comm()
			if err == nil && comm != "" {
				return domain.ProcessInfo{PID: pid, Name: strings.TrimSpace(comm)}, nil
			}
		}
	}
	return domain.ProcessInfo{}, fmt.Errorf("%w: pid %d (%s)", domain.ErrProcessNotFound, pid, displayName)
}

func (r *Resolver) Cache(info domain.ProcessInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[info.PID] = info
}

// Len returns the number of cached records.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
