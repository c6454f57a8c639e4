package crypto

import (
	"sync"
	"testing"
	"time"
)

func TestDefaultTimeProvider(t *testing.T) {
	t.Parallel()

	dp := DefaultTimeProvider{}
	now := dp.Now()
	if now.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", now.Location())
	}

	since := dp.Since(time.Now().Add(-time.Hour))
	if since < time.Hour || since > time.Hour+time.Second {
		t.Errorf("Since() returned unexpected duration: %v", since)
	}
}

func TestMockTimeProvider(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	m := NewMockTimeProvider(start)

	if !m.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", m.Now(), start)
	}

	m.Advance(time.Minute)
	if got := m.Since(start); got != time.Minute {
		t.Errorf("Since() = %v, want 1m", got)
	}

	if got := m.Tick(time.Second); !got.Equal(start.Add(time.Minute + time.Second)) {
		t.Errorf("Tick() = %v", got)
	}
}

func TestMockTimeProviderConcurrent(t *testing.T) {
	t.Parallel()

	m := NewMockTimeProvider(time.Unix(0, 0).UTC())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Advance(time.Millisecond)
			_ = m.Now()
		}()
	}
	wg.Wait()

	if got := m.Since(time.Unix(0, 0).UTC()); got != 50*time.Millisecond {
		t.Errorf("Since() = %v, want 50ms", got)
	}
}
