package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
)

// memoryConnector serves objects from a map and can inject failures.
type memoryConnector struct {
	mu      sync.Mutex
	objects map[string][]byte

	statFailures map[string][]error
	openFailures map[string][]error
	// readFailAfter makes the first open of a key fail mid-stream after n bytes.
	readFailAfter map[string]int
	// stallReads makes every open of a key fail on its first read.
	stallReads map[string]bool

	opens []string
}

func newMemoryConnector(objects map[string]string) *memoryConnector {
	m := &memoryConnector{
		objects:       map[string][]byte{},
		statFailures:  map[string][]error{},
		openFailures:  map[string][]error{},
		readFailAfter: map[string]int{},
		stallReads:    map[string]bool{},
	}
	for key, body := range objects {
		m.objects[key] = []byte(body)
	}
	return m
}

func (m *memoryConnector) popFailure(failures map[string][]error, key string) error {
	queue := failures[key]
	if len(queue) == 0 {
		return nil
	}
	failures[key] = queue[1:]
	return queue[0]
}

func (m *memoryConnector) Stat(_ context.Context, loc Location) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(m.statFailures, loc.Key); err != nil {
		return ObjectInfo{}, err
	}
	body, ok := m.objects[loc.Key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, loc.Key)
	}
	return ObjectInfo{Key: loc.Key, Size: int64(len(body))}, nil
}

func (m *memoryConnector) List(_ context.Context, loc Location) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for key, body := range m.objects {
		if strings.HasPrefix(key, loc.Key) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(body))})
		}
	}
	slices.SortFunc(out, func(a, b ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (m *memoryConnector) Open(_ context.Context, loc Location, offset int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens = append(m.opens, fmt.Sprintf("%s@%d", loc.Key, offset))
	if err := m.popFailure(m.openFailures, loc.Key); err != nil {
		return nil, err
	}
	body, ok := m.objects[loc.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc.Key)
	}
	reader := io.Reader(bytes.NewReader(body[offset:]))
	if m.stallReads[loc.Key] {
		reader = &failingReader{next: reader}
	} else if n, ok := m.readFailAfter[loc.Key]; ok {
		delete(m.readFailAfter, loc.Key)
		reader = &failingReader{next: reader, remaining: n}
	}
	return io.NopCloser(reader), nil
}

func (m *memoryConnector) openLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.opens)
}

type failingReader struct {
	next      io.Reader
	remaining int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, Transient(errors.New("connection reset by peer"))
	}
	if len(p) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.next.Read(p)
	f.remaining -= n
	return n, err
}
