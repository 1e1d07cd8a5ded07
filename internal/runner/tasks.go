package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"pacer/pkg/scheduler"
)

// TaskRecord is one entry of a task file.
type TaskRecord struct {
	ID          string          `json:"id,omitempty"`
	Category    string          `json:"category,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (r TaskRecord) spec() scheduler.TaskSpec {
	sp := scheduler.TaskSpec{
		ID:          strings.TrimSpace(r.ID),
		Category:    scheduler.Category(strings.ToLower(strings.TrimSpace(r.Category))),
		Priority:    r.Priority,
		MaxAttempts: r.MaxAttempts,
	}
	if len(r.Payload) > 0 {
		sp.Payload = r.Payload
	}
	return sp
}

// LoadTasks reads a task file (see ParseTasks).
func LoadTasks(path string) ([]scheduler.TaskSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	specs, err := ParseTasks(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// ParseTasks accepts either a JSON array of TaskRecord or JSON Lines
// (one TaskRecord per line; blank lines and lines starting with # are
// skipped). Payloads are kept as json.RawMessage.
func ParseTasks(r io.Reader) ([]scheduler.TaskSpec, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var recs []TaskRecord
		dec := json.NewDecoder(br)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&recs); err != nil {
			return nil, fmt.Errorf("decode task array: %w", err)
		}
		out := make([]scheduler.TaskSpec, 0, len(recs))
		for _, rec := range recs {
			out = append(out, rec.spec())
		}
		return out, nil
	}

	var out []scheduler.TaskSpec
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var rec TaskRecord
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec.spec())
	}
	return out, sc.Err()
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// Generate builds n synthetic tasks with mixed categories, for dry runs.
func Generate(n int, seed int64) []scheduler.TaskSpec {
	rng := rand.New(rand.NewSource(seed))
	cats := []scheduler.Category{scheduler.CategoryHigh, scheduler.CategoryNormal, scheduler.CategoryLow}
	out := make([]scheduler.TaskSpec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, scheduler.TaskSpec{
			ID:       fmt.Sprintf("gen-%04d", i+1),
			Category: cats[rng.Intn(len(cats))],
			Payload:  map[string]any{"index": i + 1},
		})
	}
	return out
}
