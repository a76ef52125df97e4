package grbl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptedSource emits lines with a declared gap before each one; a gap
// at or beyond the caller's idle timeout reads as silence.
type scriptedSource struct {
	gaps  []time.Duration
	lines []string
	idx   int
}

func (s *scriptedSource) ReadLine(ctx context.Context, idle time.Duration) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	if s.idx >= len(s.lines) || s.gaps[s.idx] >= idle {
		return "", false
	}
	line := s.lines[s.idx]
	s.idx++
	return line, true
}

func TestGather(t *testing.T) {
	src := &scriptedSource{
		gaps:  []time.Duration{0, 20 * time.Millisecond, 20 * time.Millisecond},
		lines: []string{"$0=10", "$1=25", "ok"},
	}

	// traffic faster than the quiescence window keeps the collector going
	lines := gather(context.Background(), src, 50*time.Millisecond)
	assert.Equal(t, []string{"$0=10", "$1=25", "ok"}, lines)

	// the device is now silent
	assert.Empty(t, gather(context.Background(), src, 50*time.Millisecond))
}

func TestGather_StopsAtQuiet(t *testing.T) {
	src := &scriptedSource{
		gaps:  []time.Duration{0, 200 * time.Millisecond},
		lines: []string{"ok", "late"},
	}

	lines := gather(context.Background(), src, 50*time.Millisecond)
	assert.Equal(t, []string{"ok"}, lines)
}

func TestGather_Cancel(t *testing.T) {
	src := &scriptedSource{
		gaps:  []time.Duration{0, 0, 0},
		lines: []string{"a", "b", "c"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Empty(t, gather(ctx, src, 50*time.Millisecond))
}
