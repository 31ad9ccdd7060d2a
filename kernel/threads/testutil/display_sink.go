package testutil

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu"
)

// MockDisplaySink records flush requests. Program failures with On.
type MockDisplaySink struct {
	mock.Mock

	mu     sync.Mutex
	frames []gpu.FramebufferInfo
}

func (m *MockDisplaySink) RequestFlush(fb gpu.FramebufferInfo) error {
	args := m.Called(fb)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.frames = append(m.frames, fb)
	m.mu.Unlock()
	return nil
}

// Flushes returns how many flushes succeeded.
func (m *MockDisplaySink) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// AcceptAll programs the sink to accept every flush.
func (m *MockDisplaySink) AcceptAll() *MockDisplaySink {
	m.On("RequestFlush", mock.Anything).Return(nil)
	return m
}
