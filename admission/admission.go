// Package admission gates resource-consuming operations before any durable
// write: a per-principal concurrency limit and temporary-blob quota checks.
//
// Neither gate is retried; a rejection is reported to the caller as is.
// Super users bypass both.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/mailsync/store"
	"golang.org/x/sync/semaphore"
)

// Sentinel errors.
var (
	// ErrTooManyConcurrentUploads is returned when a principal already has
	// the maximum number of operations in flight.
	ErrTooManyConcurrentUploads = errors.New("admission: too many concurrent uploads")

	// ErrOverQuota is returned when an upload would exceed a quota ceiling.
	ErrOverQuota = errors.New("admission: over quota")
)

// OverQuotaError carries both configured ceilings. Zero means unlimited.
type OverQuotaError struct {
	MaxCount int
	MaxBytes int64
}

func (e *OverQuotaError) Error() string {
	return fmt.Sprintf("admission: over quota (max %d files, max %d bytes)", e.MaxCount, e.MaxBytes)
}

func (e *OverQuotaError) Unwrap() error {
	return ErrOverQuota
}

// Limits are the temporary-blob ceilings of an account.
type Limits struct {
	// MaxCount caps the number of live temporary blobs. 0 = unlimited.
	MaxCount int
	// MaxBytes caps their total size. 0 = unlimited.
	MaxBytes int64
	// BypassQuota disables CheckTmpQuota for every principal.
	// Intended for test deployments only.
	BypassQuota bool
}

// CheckTmpQuota rejects an upload of size bytes if it would push usage past
// either ceiling. usage must be computed for this attempt, not cached.
func CheckTmpQuota(usage store.TmpUsage, limits Limits, size int64, superUser bool) error {
	if superUser || limits.BypassQuota {
		return nil
	}
	if (limits.MaxBytes > 0 && usage.Bytes+size > limits.MaxBytes) ||
		(limits.MaxCount > 0 && usage.Count+1 > limits.MaxCount) {
		return &OverQuotaError{MaxCount: limits.MaxCount, MaxBytes: limits.MaxBytes}
	}
	return nil
}

// CheckAccountQuota reports whether adding size bytes to used stays within
// quota. A quota of 0 is unlimited.
func CheckAccountQuota(quota, used, size int64) error {
	if quota > 0 && used+size > quota {
		return fmt.Errorf("%w: %d of %d bytes used", ErrOverQuota, used, quota)
	}
	return nil
}

// Controller is the per-principal concurrency gate.
// Safe for concurrent use.
type Controller struct {
	limit   int64
	entries sync.Map // map[string]*entry
}

type entry struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewController allows at most limit concurrent operations per principal.
// limit <= 0 disables the gate.
func NewController(limit int) *Controller {
	return &Controller{limit: int64(limit)}
}

func (c *Controller) entry(principal string) *entry {
	if v, ok := c.entries.Load(principal); ok {
		return v.(*entry)
	}
	v, _ := c.entries.LoadOrStore(principal, &entry{sem: semaphore.NewWeighted(c.limit)})
	return v.(*entry)
}

// Acquire takes one slot for principal. The returned Guard must be
// released, typically with defer, on every exit path.
func (c *Controller) Acquire(principal string, superUser bool) (*Guard, error) {
	if superUser || c.limit <= 0 {
		return &Guard{}, nil
	}
	e := c.entry(principal)
	if !e.sem.TryAcquire(1) {
		return nil, ErrTooManyConcurrentUploads
	}
	e.inFlight.Add(1)
	return &Guard{entry: e}, nil
}

// InFlight returns the number of slots principal currently holds.
func (c *Controller) InFlight(principal string) int64 {
	v, ok := c.entries.Load(principal)
	if !ok {
		return 0
	}
	return v.(*entry).inFlight.Load()
}

// Guard holds one admission slot.
type Guard struct {
	entry    *entry
	released atomic.Bool
}

// Release frees the slot. Calling it more than once is a no-op.
func (g *Guard) Release() {
	if g == nil || g.entry == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.entry.inFlight.Add(-1)
	g.entry.sem.Release(1)
}
