package ui

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_AnimatesUntilStopped(t *testing.T) {
	w := &lockedBuffer{}
	s := NewSpinner(w, "syncing", true)
	s.interval = 5 * time.Millisecond

	s.Start()
	s.Start()
	assert.Eventually(t, func() bool { return strings.Contains(w.String(), "syncing") }, time.Second, 5*time.Millisecond)
	s.SetMessage("posts")
	assert.Eventually(t, func() bool { return strings.Contains(w.String(), "posts") }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.True(t, strings.HasSuffix(w.String(), "\r\033[K"))
}

func TestWithSpinner_ReturnsError(t *testing.T) {
	w := &lockedBuffer{}
	want := errors.New("boom")
	assert.Equal(t, want, WithSpinner(w, "working", true, func() error { return want }))
	assert.NoError(t, WithSpinner(w, "working", true, func() error { return nil }))
}
