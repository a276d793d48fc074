package mocks

import (
	"io"

	"github.com/brettbedarf/layerfs"
	"github.com/stretchr/testify/mock"
)

// MockStore implements layerfs.Store for testing across packages
type MockStore struct {
	mock.Mock
}

func (m *MockStore) List(path string) ([]string, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) Stat(path string) (*layerfs.FileInfo, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*layerfs.FileInfo), args.Error(1)
}

func (m *MockStore) OpenRead(path string) (io.ReadCloser, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockStore) OpenWrite(path string) (io.WriteCloser, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.WriteCloser), args.Error(1)
}

func (m *MockStore) CreateFolder(path string) error {
	return m.Called(path).Error(0)
}

func (m *MockStore) CreateData(path string) error {
	return m.Called(path).Error(0)
}

func (m *MockStore) Delete(path string) error {
	return m.Called(path).Error(0)
}

func (m *MockStore) Rename(oldPath, newPath string) error {
	return m.Called(oldPath, newPath).Error(0)
}

func (m *MockStore) ReadOnly() bool {
	return m.Called().Bool(0)
}

func (m *MockStore) DisplayName() string {
	return m.Called().String(0)
}

func (m *MockStore) ReadAttr(path, key string) (any, error) {
	args := m.Called(path, key)
	return args.Get(0), args.Error(1)
}

func (m *MockStore) WriteAttr(path, key string, value any) error {
	return m.Called(path, key, value).Error(0)
}

func (m *MockStore) AttrKeys(path string) ([]string, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) RenameAttrs(oldPath, newPath string) error {
	return m.Called(oldPath, newPath).Error(0)
}

func (m *MockStore) DeleteAttrs(path string) error {
	return m.Called(path).Error(0)
}

// MockLockingStore adds native locking to MockStore
type MockLockingStore struct {
	MockStore
}

func (m *MockLockingStore) Lock(path string) error {
	return m.Called(path).Error(0)
}

func (m *MockLockingStore) Unlock(path string) {
	m.Called(path)
}
