package pipeline

import (
	"bufio"
	"io"
)

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	max   int
	ring  []string
	next  int
	count int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 1
	}
	return &tailBuffer{max: max, ring: make([]string, max)}
}

func (t *tailBuffer) add(line string) {
	t.ring[t.next] = line
	t.next = (t.next + 1) % t.max
	if t.count < t.max {
		t.count++
	}
}

func (t *tailBuffer) lines() []string {
	out := make([]string, 0, t.count)
	start := t.next - t.count
	if start < 0 {
		start += t.max
	}
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(start+i)%t.max])
	}
	return out
}

// newLineScanner builds a scanner tolerant of long plugin output lines.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
