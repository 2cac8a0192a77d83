package server

import (
	"github.com/stretchr/testify/mock"

	"masterd/internal/gateway"
	"masterd/internal/supervisor"
)

type MockPool struct {
	mock.Mock
}

func (m *MockPool) Snapshot() supervisor.Snapshot {
	args := m.Called()
	return args.Get(0).(supervisor.Snapshot)
}

func (m *MockPool) Reload() {
	m.Called()
}

type MockFront struct {
	mock.Mock
}

func (m *MockFront) Stats() gateway.Stats {
	args := m.Called()
	return args.Get(0).(gateway.Stats)
}
