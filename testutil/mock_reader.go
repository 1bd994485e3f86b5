package testutil

import "github.com/stretchr/testify/mock"

type MockReader struct {
	mock.Mock
}

func (m *MockReader) Read(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}
