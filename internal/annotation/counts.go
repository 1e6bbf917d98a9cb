// Package annotation reads analysis annotation documents and aggregates the
// positive pixel counters that decide whether a label image is rendered.
package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	statsKey    = "stats"
	positiveKey = "NumberPositive"
	weakKey     = "NumberWeakPositive"
	strongKey   = "NumberStrongPositive"
)

type Counts struct {
	Positive int64 `json:"positive"`
	Weak     int64 `json:"weak"`
	Strong   int64 `json:"strong"`
}

// Total saturates at the int64 bounds instead of wrapping.
func (c Counts) Total() int64 {
	return addSat(addSat(c.Positive, c.Weak), c.Strong)
}

func (c Counts) Add(o Counts) Counts {
	return Counts{
		Positive: addSat(c.Positive, o.Positive),
		Weak:     addSat(c.Weak, o.Weak),
		Strong:   addSat(c.Strong, o.Strong),
	}
}

func addSat(a, b int64) int64 {
	sum := a + b
	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64
	}
	return sum
}

// String is the "pos weak strong" line job scripts read.
func (c Counts) String() string {
	return fmt.Sprintf("%d %d %d", c.Positive, c.Weak, c.Strong)
}

// ShouldRenderLabels gates the label image re-run.
func ShouldRenderLabels(c Counts) bool {
	return c.Total() > 0
}

type counter struct {
	counts Counts
}

func (c *counter) VisitObject(o Object) {
	if stats, ok := o.Fields[statsKey].(Object); ok {
		c.counts = c.counts.Add(Counts{
			Positive: number(stats.Fields[positiveKey]),
			Weak:     number(stats.Fields[weakKey]),
			Strong:   number(stats.Fields[strongKey]),
		})
	}
	for _, k := range o.Keys {
		Walk(o.Fields[k], c)
	}
}

func (c *counter) VisitArray(a Array) {
	for _, v := range a {
		Walk(v, c)
	}
}

func (c *counter) VisitScalar(Scalar) {}

// Sum aggregates the counters of every stats object anywhere in v.
func Sum(v Value) Counts {
	c := &counter{}
	Walk(v, c)
	return c.counts
}

// number converts a counter field to an integer. Missing, null, boolean and
// non-numeric values count as zero; fractions are truncated and values
// beyond int64 clamp to its bounds.
func number(v Value) int64 {
	s, ok := v.(Scalar)
	if !ok {
		return 0
	}
	var text string
	switch raw := s.Raw.(type) {
	case json.Number:
		text = raw.String()
	case string:
		text = strings.TrimSpace(raw)
	case float64:
		return truncate(raw)
	default:
		return 0
	}
	if text == "" {
		return 0
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return truncate(f)
	}
	return 0
}

func truncate(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

// Parse decodes an annotation document and sums its counters.
func Parse(r io.Reader) (Counts, error) {
	v, err := Decode(r)
	if err != nil {
		return Counts{}, fmt.Errorf("decode annotation: %w", err)
	}
	return Sum(v), nil
}

// CountFile never fails: an unreadable or malformed file counts as zero.
func CountFile(path string) Counts {
	f, err := os.Open(path)
	if err != nil {
		return Counts{}
	}
	defer func() { _ = f.Close() }()
	c, err := Parse(f)
	if err != nil {
		return Counts{}
	}
	return c
}

// CountPreferred reads preferred when it exists and fallback otherwise. It
// returns the path that was read.
func CountPreferred(preferred, fallback string) (Counts, string) {
	path := fallback
	if exists(preferred) || strings.TrimSpace(fallback) == "" {
		path = preferred
	}
	return CountFile(path), path
}

func exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist)
	}
	return !info.IsDir()
}
