package poller

import "strings"

// Accumulator collects console output produced after a baseline snapshot.
// Only text beyond the previously observed length is appended, so observing
// the same output twice adds nothing.
type Accumulator struct {
	baseline string
	out      strings.Builder
}

// NewAccumulator starts accumulating after the given console snapshot.
func NewAccumulator(baseline string) *Accumulator {
	return &Accumulator{baseline: baseline}
}

// Track records the current console text.
func (a *Accumulator) Track(current string) {
	if len(current) <= len(a.baseline) {
		return
	}
	suffix := current[len(a.baseline):]
	a.out.WriteString(CollapsePromptEcho(suffix))
	a.baseline = current
}

// String returns everything accumulated so far.
func (a *Accumulator) String() string {
	return a.out.String()
}

// CollapsePromptEcho removes runs of consecutive prompt echo lines (lines
// whose trimmed text starts with ">"), keeping only the last of each run.
func CollapsePromptEcho(content string) string {
	if content == "" {
		return content
	}

	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if isPromptEcho(lines[i]) {
			for i+1 < len(lines) && isPromptEcho(lines[i+1]) {
				i++
			}
		}
		kept = append(kept, lines[i])
	}
	return strings.Join(kept, "\n")
}

func isPromptEcho(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), ">")
}
