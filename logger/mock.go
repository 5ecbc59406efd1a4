package logger

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock of Logger.
//
// Log methods are recorded as Called(msg, keysAndValues), so expectations take two arguments,
// e.g. m.On("Info", "connection opened", mock.Anything).
type MockLogger struct {
	mock.Mock

	mu     sync.Mutex
	logged map[string][]string // messages by method, filled by AllowAll
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// AllowAll accepts every call and records the logged messages for Logged. With returns the
// mock itself and Level reports DebugLevel.
func (m *MockLogger) AllowAll() *MockLogger {
	for _, method := range []string{"Debug", "Info", "Warn", "Error", "Fatal"} {
		m.On(method, mock.Anything, mock.Anything).Return().Run(func(args mock.Arguments) {
			m.mu.Lock()
			defer m.mu.Unlock()

			if m.logged == nil {
				m.logged = make(map[string][]string)
			}
			m.logged[method] = append(m.logged[method], args.String(0))
		})
	}
	m.On("SetLevel", mock.Anything).Return()
	m.On("Level").Return(DebugLevel)
	m.On("With", mock.Anything).Return(m)

	return m
}

// Logged reports whether msg was logged with method ("Debug", "Info", ...) since AllowAll.
func (m *MockLogger) Logged(method string, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, logged := range m.logged[method] {
		if logged == msg {
			return true
		}
	}

	return false
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level Level) {
	m.Called(level)
}

func (m *MockLogger) Level() Level {
	args := m.Called()
	return args.Get(0).(Level)
}

func (m *MockLogger) With(keyValues ...any) Logger {
	args := m.Called(keyValues)
	return args.Get(0).(Logger)
}
