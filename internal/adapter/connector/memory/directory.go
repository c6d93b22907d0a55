package memory

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/railzwaylabs/dirsync/internal/domain/connector"
)

// ApplyHook intercepts Apply. Returning nil lets the write proceed.
type ApplyHook func(ctx context.Context, req connector.ApplyRequest) *connector.Result

// Directory is an in-process connector.Directory. Writes are idempotent per
// key: a repeated key returns the first result without a second effect.
type Directory struct {
	mu       sync.Mutex
	entities map[string]connector.Entity
	applied  map[string]connector.Result
	hook     ApplyHook
	calls    int
	effects  int
	now      func() time.Time
}

func NewDirectory() *Directory {
	return &Directory{
		entities: make(map[string]connector.Entity),
		applied:  make(map[string]connector.Result),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for ModifiedAt.
func (d *Directory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// SetApplyHook installs hook for subsequent Apply calls.
func (d *Directory) SetApplyHook(hook ApplyHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = hook
}

// Put stores e, stamping ModifiedAt when it is zero.
func (d *Directory) Put(e connector.Entity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = d.now()
	}
	if e.Attributes == nil {
		e.Attributes = connector.Attributes{}
	}
	e.Attributes = e.Attributes.Clone()
	d.entities[e.Ref] = e
}

// Remove tombstones ref.
func (d *Directory) Remove(ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tombstone(ref)
}

// Entity returns the stored record of ref, tombstones included.
func (d *Directory) Entity(ref string) (connector.Entity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entities[ref]
	if ok {
		e.Attributes = e.Attributes.Clone()
	}
	return e, ok
}

// Calls returns how many times Apply was invoked.
func (d *Directory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Effects returns how many writes actually changed the directory.
func (d *Directory) Effects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.effects
}

func (d *Directory) Scan(ctx context.Context, req connector.ScanRequest) iter.Seq2[connector.Entity, error] {
	snapshot := d.snapshot(func(e connector.Entity) bool {
		return req.Since == nil || e.ModifiedAt.After(*req.Since)
	})
	return func(yield func(connector.Entity, error) bool) {
		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(connector.Entity{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (d *Directory) Fetch(_ context.Context, keys []string) ([]connector.Entity, error) {
	return d.snapshot(func(e connector.Entity) bool {
		return slices.Contains(keys, e.Key)
	}), nil
}

func (d *Directory) Observe(_ context.Context, ref string) (*connector.Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entities[ref]
	if !ok || e.Deleted {
		return nil, nil
	}
	e.Attributes = e.Attributes.Clone()
	return &e, nil
}

func (d *Directory) Apply(ctx context.Context, req connector.ApplyRequest) connector.Result {
	d.mu.Lock()
	d.calls++
	hook := d.hook
	if res, ok := d.applied[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		d.mu.Unlock()
		return res
	}
	d.mu.Unlock()

	if hook != nil {
		if res := hook(ctx, req); res != nil {
			return *res
		}
	}
	if err := ctx.Err(); err != nil {
		return connector.Failed(connector.FailureTransient, err.Error())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var res connector.Result
	switch req.Kind {
	case connector.ApplyCreate:
		d.entities[req.Ref] = d.write(connector.Entity{Ref: req.Ref, Key: req.Ref, Attributes: connector.Attributes{}}, req.Payload)
		res = connector.Applied("created")
	case connector.ApplyUpdate:
		e, ok := d.entities[req.Ref]
		if !ok || e.Deleted {
			return connector.Failed(connector.FailurePermanent, "entity "+req.Ref+" not found")
		}
		d.entities[req.Ref] = d.write(e, req.Payload)
		res = connector.Applied("updated")
	case connector.ApplyDelete:
		d.tombstone(req.Ref)
		res = connector.Applied("deleted")
	default:
		return connector.Failed(connector.FailurePermanent, "unsupported write "+string(req.Kind))
	}

	d.effects++
	if req.IdempotencyKey != "" {
		d.applied[req.IdempotencyKey] = res
	}
	return res
}

func (d *Directory) write(e connector.Entity, payload connector.Attributes) connector.Entity {
	attrs := e.Attributes.Clone()
	if attrs == nil {
		attrs = connector.Attributes{}
	}
	for k, v := range payload {
		if k == connector.LinkAttribute {
			e.Link = v
			continue
		}
		attrs[k] = v
	}
	e.Attributes = attrs
	e.Deleted = false
	e.ModifiedAt = d.now()
	return e
}

func (d *Directory) tombstone(ref string) {
	e, ok := d.entities[ref]
	if !ok {
		return
	}
	e.Deleted = true
	e.ModifiedAt = d.now()
	d.entities[ref] = e
}

func (d *Directory) snapshot(match func(connector.Entity) bool) []connector.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]connector.Entity, 0, len(d.entities))
	for _, e := range d.entities {
		if match(e) {
			e.Attributes = e.Attributes.Clone()
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}
