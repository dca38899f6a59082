package routeros

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryDevice is an in-process router used by tests and dry runs. Secrets
// reference profiles by object ID internally, so renaming a profile keeps
// every secret pointing at it, as on a real device.
type MemoryDevice struct {
	mu     sync.Mutex
	tables map[Table]map[string]Object
	nextID int
	faults []fault
	calls  map[string]int
}

type fault struct {
	method string
	err    error
	apply  bool
	times  int
}

// NewMemoryDevice creates an empty device
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{
		tables: map[Table]map[string]Object{
			TablePools:    {},
			TableProfiles: {},
			TableSecrets:  {},
		},
		calls: make(map[string]int),
	}
}

// FailNext makes the next times calls of method ("list", "get", "create",
// "update", "delete" or "" for any) fail with err before touching state.
func (m *MemoryDevice) FailNext(method string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{method: method, err: err, times: times})
}

// ApplyThenFail makes the next call of method apply its change and then
// report err, like a response lost after the device committed.
func (m *MemoryDevice) ApplyThenFail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{method: method, err: err, apply: true, times: 1})
}

// Calls returns how many times method was invoked
func (m *MemoryDevice) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Seed creates an object out of band and returns its ID
func (m *MemoryDevice) Seed(table Table, props Object) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.allocID()
	obj := props.clone()
	obj[KeyID] = id
	if table == TableSecrets {
		m.bindProfile(obj)
	}
	m.tables[table][id] = obj
	return id
}

// Rename changes an object's name out of band
func (m *MemoryDevice) Rename(table Table, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.tables[table][id]
	if !ok {
		return ErrNoSuchObject
	}
	obj[KeyName] = name
	return nil
}

// Remove deletes an object out of band
func (m *MemoryDevice) Remove(table Table, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], id)
}

// Snapshot returns the rendered objects of a table ordered by ID
func (m *MemoryDevice) Snapshot(table Table) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(table)
}

func (m *MemoryDevice) List(ctx context.Context, table Table) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter(ctx, "list"); err != nil {
		return nil, err
	}
	return m.listLocked(table), nil
}

func (m *MemoryDevice) Get(ctx context.Context, table Table, id string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.enter(ctx, "get"); err != nil {
		return nil, err
	}
	obj, ok := m.tables[table][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNoSuchObject, table, id)
	}
	return m.render(table, obj), nil
}

func (m *MemoryDevice) Create(ctx context.Context, table Table, props Object) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applyFirst, err := m.enter(ctx, "create")
	if err != nil && !applyFirst {
		return "", err
	}

	name := props.Name()
	for _, obj := range m.tables[table] {
		if obj.Name() == name {
			return "", rejected("failure: already have such name")
		}
	}
	obj := props.clone()
	if table == TableSecrets {
		if err := m.bindProfile(obj); err != nil {
			return "", err
		}
	}
	id := m.allocID()
	obj[KeyID] = id
	m.tables[table][id] = obj
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryDevice) Update(ctx context.Context, table Table, id string, props Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	applyFirst, err := m.enter(ctx, "update")
	if err != nil && !applyFirst {
		return err
	}

	obj, ok := m.tables[table][id]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSuchObject, table, id)
	}
	if name, ok := props[KeyName]; ok && name != obj.Name() {
		for otherID, other := range m.tables[table] {
			if otherID != id && other.Name() == name {
				return rejected("failure: already have such name")
			}
		}
	}
	next := obj.clone()
	for k, v := range props {
		if k != KeyID {
			next[k] = v
		}
	}
	if table == TableSecrets {
		if _, ok := props[KeyProfile]; ok {
			delete(next, profileRef)
			if err := m.bindProfile(next); err != nil {
				return err
			}
		}
	}
	m.tables[table][id] = next
	return err
}

func (m *MemoryDevice) Delete(ctx context.Context, table Table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	applyFirst, err := m.enter(ctx, "delete")
	if err != nil && !applyFirst {
		return err
	}
	if _, ok := m.tables[table][id]; !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSuchObject, table, id)
	}
	delete(m.tables[table], id)
	return err
}

// profileRef is the hidden property binding a secret to a profile ID
const profileRef = "\x00profile-id"

func (m *MemoryDevice) bindProfile(obj Object) error {
	name, ok := obj[KeyProfile]
	if !ok || name == "" {
		return nil
	}
	for id, p := range m.tables[TableProfiles] {
		if p.Name() == name {
			obj[profileRef] = id
			delete(obj, KeyProfile)
			return nil
		}
	}
	return rejected(fmt.Sprintf("input does not match any value of profile: %s", name))
}

func (m *MemoryDevice) render(table Table, obj Object) Object {
	out := obj.clone()
	if table == TableSecrets {
		if id, ok := out[profileRef]; ok {
			delete(out, profileRef)
			if p, ok := m.tables[TableProfiles][id]; ok {
				out[KeyProfile] = p.Name()
			} else {
				out[KeyProfile] = "unknown"
			}
		}
	}
	return out
}

func (m *MemoryDevice) listLocked(table Table) []Object {
	out := make([]Object, 0, len(m.tables[table]))
	for _, obj := range m.tables[table] {
		out = append(out, m.render(table, obj))
	}
	sort.Slice(out, func(i, j int) bool { return idOrder(out[i].ID()) < idOrder(out[j].ID()) })
	return out
}

// enter counts the call and pops a matching injected fault
func (m *MemoryDevice) enter(ctx context.Context, method string) (applyFirst bool, err error) {
	m.calls[method]++
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	for i := range m.faults {
		f := &m.faults[i]
		if f.times <= 0 || (f.method != "" && f.method != method) {
			continue
		}
		f.times--
		return f.apply, f.err
	}
	return false, nil
}

func (m *MemoryDevice) allocID() string {
	m.nextID++
	return "*" + strings.ToUpper(strconv.FormatInt(int64(m.nextID), 16))
}

func idOrder(id string) int64 {
	n, _ := strconv.ParseInt(strings.TrimPrefix(id, "*"), 16, 64)
	return n
}
