// Package avatartest provides a scriptable in-memory avatar model for tests.
package avatartest

import (
	"context"
	"sync"

	"github.com/normanking/cortexcompanion/internal/avatar"
)

// Motion is one recorded PlayMotion call
type Motion struct {
	Name     string
	Priority avatar.Priority
}

// Param is one recorded SetParameter call
type Param struct {
	ID    string
	Value float64
}

// Model records every call. Motions can be made to fail or to block until
// released by the test.
type Model struct {
	mu          sync.Mutex
	motions     []Motion
	expressions []string
	params      []Param
	motionErr   map[string]error
	exprErr     error
	blocked     map[string]chan struct{}
	started     chan Motion
}

// NewModel returns an empty fake model
func NewModel() *Model {
	return &Model{
		motionErr: make(map[string]error),
		blocked:   make(map[string]chan struct{}),
		started:   make(chan Motion, 64),
	}
}

// FailMotion makes PlayMotion(name) return err
func (m *Model) FailMotion(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motionErr[name] = err
}

// FailExpressions makes every SetExpression return err
func (m *Model) FailExpressions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exprErr = err
}

// Block makes PlayMotion(name) wait until Unblock(name) or context cancel.
// An empty name blocks every motion.
func (m *Model) Block(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocked[name]; !ok {
		m.blocked[name] = make(chan struct{})
	}
}

// Unblock releases every call waiting on name
func (m *Model) Unblock(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.blocked[name]; ok {
		close(ch)
		delete(m.blocked, name)
	}
}

// Started delivers every motion as soon as PlayMotion is entered
func (m *Model) Started() <-chan Motion {
	return m.started
}

func (m *Model) PlayMotion(ctx context.Context, name string, priority avatar.Priority) error {
	m.mu.Lock()
	mo := Motion{Name: name, Priority: priority}
	m.motions = append(m.motions, mo)
	err := m.motionErr[name]
	wait, ok := m.blocked[name]
	if !ok {
		wait = m.blocked[""]
	}
	m.mu.Unlock()

	select {
	case m.started <- mo:
	default:
	}

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *Model) SetExpression(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expressions = append(m.expressions, name)
	return m.exprErr
}

func (m *Model) SetParameter(id string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = append(m.params, Param{ID: id, Value: value})
	return nil
}

// Motions returns the recorded motions in call order
func (m *Model) Motions() []Motion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Motion(nil), m.motions...)
}

// MotionCount returns how many motions were requested
func (m *Model) MotionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.motions)
}

// Expressions returns the recorded expressions; "" means cleared
func (m *Model) Expressions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.expressions...)
}

// Params returns the recorded parameter writes
func (m *Model) Params() []Param {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Param(nil), m.params...)
}

// LastParam returns the last value written to id
func (m *Model) LastParam(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.params) - 1; i >= 0; i-- {
		if m.params[i].ID == id {
			return m.params[i].Value, true
		}
	}
	return 0, false
}
