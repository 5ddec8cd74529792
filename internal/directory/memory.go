package directory

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// MemoryConn is an in-process Conn holding entries in a map. Filters support
// equality and presence assertions, optionally joined with "&".
type MemoryConn struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	unavailable bool
}

var _ Conn = (*MemoryConn)(nil)

// NewMemoryConn creates a directory containing only the baseDN container.
func NewMemoryConn(baseDN string) *MemoryConn {
	m := &MemoryConn{entries: make(map[string]Entry)}
	m.entries[normDN(baseDN)] = Entry{
		DN:         baseDN,
		Attributes: map[string][]string{"objectClass": {"organizationalUnit"}},
	}
	return m
}

// SetUnavailable makes every subsequent call fail with ErrUnavailable.
func (m *MemoryConn) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *MemoryConn) Bind(ctx context.Context, dn, password string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	e, ok := m.entries[normDN(dn)]
	if !ok || password == "" || e.Get(AttrPassword) != password {
		return ErrInvalidCredentials
	}
	return nil
}

func (m *MemoryConn) Search(ctx context.Context, base, filter string, attrs []string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	base = normDN(base)
	preds := parseFilter(filter)
	var out []Entry
	for key, e := range m.entries {
		if key != base && !strings.HasSuffix(key, ","+base) {
			continue
		}
		if !matches(e, preds) {
			continue
		}
		out = append(out, project(e, attrs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out, nil
}

func (m *MemoryConn) Add(ctx context.Context, dn string, objectClasses []string, attrs map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	key := normDN(dn)
	if _, ok := m.entries[key]; ok {
		return ErrAlreadyExists
	}
	e := Entry{DN: dn, Attributes: make(map[string][]string, len(attrs)+1)}
	e.Attributes["objectClass"] = append([]string(nil), objectClasses...)
	for k, v := range attrs {
		e.Attributes[k] = append([]string(nil), v...)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryConn) Modify(ctx context.Context, dn string, replace map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	e, ok := m.entries[normDN(dn)]
	if !ok {
		return ErrNoSuchUser
	}
	for k, v := range replace {
		e.Attributes[k] = append([]string(nil), v...)
	}
	return nil
}

func (m *MemoryConn) Delete(ctx context.Context, dn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	key := normDN(dn)
	if _, ok := m.entries[key]; !ok {
		return ErrNoSuchUser
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryConn) check(ctx context.Context) error {
	if m.unavailable {
		return ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

var filterAssertion = regexp.MustCompile(`\(([^()&|!=]+)=([^()]*)\)`)

type predicate struct{ attr, value string }

func parseFilter(filter string) []predicate {
	var preds []predicate
	for _, m := range filterAssertion.FindAllStringSubmatch(filter, -1) {
		preds = append(preds, predicate{attr: m[1], value: m[2]})
	}
	return preds
}

func matches(e Entry, preds []predicate) bool {
	for _, p := range preds {
		var vals []string
		for k, v := range e.Attributes {
			if strings.EqualFold(k, p.attr) {
				vals = v
			}
		}
		if p.value == "*" {
			if len(vals) == 0 {
				return false
			}
			continue
		}
		found := false
		for _, v := range vals {
			if strings.EqualFold(v, unescapeFilter(p.value)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func project(e Entry, attrs []string) Entry {
	out := Entry{DN: e.DN, Attributes: make(map[string][]string, len(attrs))}
	for _, want := range attrs {
		for k, v := range e.Attributes {
			if strings.EqualFold(k, want) {
				out.Attributes[k] = append([]string(nil), v...)
			}
		}
	}
	return out
}

func unescapeFilter(v string) string {
	r := strings.NewReplacer(`\2a`, "*", `\28`, "(", `\29`, ")", `\5c`, `\`, `\00`, "\x00")
	return r.Replace(v)
}

func normDN(dn string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(dn), ", ", ","))
}
