package group

import (
	"context"
	"sync"
)

type Memory struct {
	mu       sync.RWMutex
	groups   map[string]map[string]Member // group -> memberID -> member
	memberOf map[string]string            // memberID -> group
	closed   bool

	onFailure FailureFunc
}

func NewMemory(onFailure FailureFunc) *Memory {
	return &Memory{
		groups:    make(map[string]map[string]Member),
		memberOf:  make(map[string]string),
		onFailure: onFailure,
	}
}

func (l *Memory) Join(_ context.Context, group string, m Member) error {
	_, err := l.join(group, m)
	return err
}

func (l *Memory) Leave(_ context.Context, group string, m Member) error {
	l.leave(group, m)
	return nil
}

// Send delivers msg to every current member of group. A failing member is reported
// to the failure hook and skipped.
func (l *Memory) Send(_ context.Context, group string, msg []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	members := make([]Member, 0, len(l.groups[group]))
	for _, m := range l.groups[group] {
		members = append(members, m)
	}
	l.mu.RUnlock()

	for _, m := range members {
		if err := m.Send(msg); err != nil && l.onFailure != nil {
			l.onFailure(group, m, err)
		}
	}
	return nil
}

// Ping fails only once the layer is closed.
func (l *Memory) Ping(context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *Memory) members(group string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups[group])
}

// groupNames lists every group with at least one member.
func (l *Memory) groupNames() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.groups))
	for g := range l.groups {
		out = append(out, g)
	}
	return out
}

func (l *Memory) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.groups = make(map[string]map[string]Member)
	l.memberOf = make(map[string]string)
	return nil
}

// join adds m to group, first moving it out of any other group. It reports whether
// group went from empty to non-empty.
func (l *Memory) join(group string, m Member) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}

	id := m.ID()
	if prev, ok := l.memberOf[id]; ok && prev != group {
		l.removeLocked(prev, id)
	}

	members := l.groups[group]
	first := len(members) == 0
	if members == nil {
		members = make(map[string]Member)
		l.groups[group] = members
	}
	members[id] = m
	l.memberOf[id] = group
	return first, nil
}

// leave removes m from group and reports whether group is now empty.
func (l *Memory) leave(group string, m Member) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := m.ID()
	if _, ok := l.groups[group][id]; !ok {
		return false
	}
	l.removeLocked(group, id)
	return len(l.groups[group]) == 0
}

func (l *Memory) removeLocked(group, id string) {
	if members, ok := l.groups[group]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(l.groups, group)
		}
	}
	if l.memberOf[id] == group {
		delete(l.memberOf, id)
	}
}
