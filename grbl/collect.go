package grbl

import (
	"context"
	"time"
)

// lineSource is the read side of the byte link.
type lineSource interface {
	ReadLine(ctx context.Context, idle time.Duration) (string, bool)
}

// gather collects response lines until the device stays quiet for
// quiescence. Responses carry no line count or length prefix (a settings
// dump is dozens of lines, a plain ack is one), so silence is the only
// end-of-response marker. Cancelling ctx ends the wait early.
func gather(ctx context.Context, src lineSource, quiescence time.Duration) []string {
	var lines []string
	for {
		line, ok := src.ReadLine(ctx, quiescence)
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}
