package sandbox

import (
	"sort"
	"sync"

	kuraErrors "github.com/harunnryd/kura/internal/errors"
)

// Registry is the in-memory table of known instances. Reads hand out copies; the only
// way to change a record is Insert, Update or Delete.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	onChange  func()
}

func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
	}
}

// OnChange registers a hook fired after every successful mutation.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) Insert(inst Instance) error {
	r.mu.Lock()
	if _, exists := r.instances[inst.Name]; exists {
		r.mu.Unlock()
		return kuraErrors.Conflict("instance %q already exists", inst.Name)
	}
	stored := inst.clone()
	r.instances[inst.Name] = &stored
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (r *Registry) Get(name string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[name]
	if !ok {
		return Instance{}, kuraErrors.NotFound("instance %q not found", name)
	}
	return inst.clone(), nil
}

func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[name]
	return ok
}

// Update applies fn to a working copy and stores it when fn returns nil.
func (r *Registry) Update(name string, fn func(inst *Instance) error) (Instance, error) {
	r.mu.Lock()
	current, ok := r.instances[name]
	if !ok {
		r.mu.Unlock()
		return Instance{}, kuraErrors.NotFound("instance %q not found", name)
	}

	working := current.clone()
	if err := fn(&working); err != nil {
		r.mu.Unlock()
		return current.clone(), err
	}
	working.Name = name
	r.instances[name] = &working
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return working.clone(), nil
}

func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	_, ok := r.instances[name]
	delete(r.instances, name)
	hook := r.onChange
	r.mu.Unlock()

	if ok && hook != nil {
		hook()
	}
	return ok
}

// List returns all instances sorted by name.
func (r *Registry) List() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore replaces the table contents without firing the change hook.
func (r *Registry) Restore(instances []Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances = make(map[string]*Instance, len(instances))
	for _, inst := range instances {
		stored := inst.clone()
		r.instances[inst.Name] = &stored
	}
}

// BaseRegistry is the in-memory table of instances promoted to clone templates.
type BaseRegistry struct {
	mu       sync.RWMutex
	bases    map[string]*BaseImage
	onChange func()
}

func NewBaseRegistry() *BaseRegistry {
	return &BaseRegistry{
		bases: make(map[string]*BaseImage),
	}
}

func (r *BaseRegistry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *BaseRegistry) Insert(base BaseImage) error {
	r.mu.Lock()
	if _, exists := r.bases[base.Name]; exists {
		r.mu.Unlock()
		return kuraErrors.Conflict("base image %q already registered", base.Name)
	}
	stored := base.clone()
	r.bases[base.Name] = &stored
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (r *BaseRegistry) Get(name string) (BaseImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	base, ok := r.bases[name]
	if !ok {
		return BaseImage{}, kuraErrors.NotFound("base image %q not found", name)
	}
	return base.clone(), nil
}

func (r *BaseRegistry) Update(name string, fn func(base *BaseImage) error) (BaseImage, error) {
	r.mu.Lock()
	current, ok := r.bases[name]
	if !ok {
		r.mu.Unlock()
		return BaseImage{}, kuraErrors.NotFound("base image %q not found", name)
	}

	working := current.clone()
	if err := fn(&working); err != nil {
		r.mu.Unlock()
		return current.clone(), err
	}
	working.Name = name
	r.bases[name] = &working
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return working.clone(), nil
}

func (r *BaseRegistry) Delete(name string) bool {
	r.mu.Lock()
	_, ok := r.bases[name]
	delete(r.bases, name)
	hook := r.onChange
	r.mu.Unlock()

	if ok && hook != nil {
		hook()
	}
	return ok
}

func (r *BaseRegistry) List() []BaseImage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BaseImage, 0, len(r.bases))
	for _, base := range r.bases {
		out = append(out, base.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *BaseRegistry) Restore(bases []BaseImage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bases = make(map[string]*BaseImage, len(bases))
	for _, base := range bases {
		stored := base.clone()
		r.bases[base.Name] = &stored
	}
}
