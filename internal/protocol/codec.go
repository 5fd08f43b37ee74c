package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrNoResult means the engine output held no decodable result object.
	ErrNoResult = errors.New("no parseable result")
	// ErrMalformedProgress means a line carried the progress marker but not a JSON object.
	ErrMalformedProgress = errors.New("malformed progress payload")
)

// ParseProgressLine inspects one line of engine diagnostics.
// isProgress reports whether the line carries the progress marker. When it
// does but the payload is not a JSON object, err wraps ErrMalformedProgress and
// the caller is expected to log and drop the line.
func ParseProgressLine(line string) (payload map[string]any, isProgress bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, ProgressMarker) {
		return nil, false, nil
	}

	raw := strings.TrimSpace(line[len(ProgressMarker):])
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrMalformedProgress, err)
	}
	if payload == nil {
		// "null" decodes without error but is not an object.
		return nil, true, fmt.Errorf("%w: not a JSON object", ErrMalformedProgress)
	}
	return payload, true, nil
}

// ExtractResult locates and decodes the single JSON result object in the
// engine's captured stdout.
//
// A line starting with ResultMarker takes precedence (the last one wins).
// Otherwise the span from the first '{' to the last '}' is decoded. That span
// is not bracket-balanced, so output with several top-level objects fails to
// decode rather than returning one of them.
func ExtractResult(output []byte) (map[string]any, error) {
	if raw, ok := resultLine(output); ok {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil && m != nil {
			return m, nil
		}
	}

	start := bytes.IndexByte(output, '{')
	end := bytes.LastIndexByte(output, '}')
	if start < 0 || end < start {
		return nil, ErrNoResult
	}

	var m map[string]any
	if err := json.Unmarshal(output[start:end+1], &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	return m, nil
}

func resultLine(output []byte) ([]byte, bool) {
	var (
		found []byte
		ok    bool
	)
	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), max(len(output)+1, 64*1024))
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if bytes.HasPrefix(line, []byte(ResultMarker)) {
			found = append(found[:0], line[len(ResultMarker):]...)
			ok = true
		}
	}
	return found, ok
}

// SanitizeProgress reduces an arbitrary decoded payload to the Progress whitelist.
// Unknown keys are dropped, a missing or empty status becomes
// DefaultProgressStatus and non-numeric numbers become 0. Percent is clamped to [0, 100].
func SanitizeProgress(raw map[string]any) Progress {
	p := Progress{Status: DefaultProgressStatus}
	if raw == nil {
		return p
	}

	if s, ok := raw["status"].(string); ok && strings.TrimSpace(s) != "" {
		p.Status = s
	}
	p.Percent = math.Min(math.Max(number(raw["percent"]), 0), 100)
	p.Speed = number(raw["speed"])
	p.ETA = number(raw["eta"])
	return p
}

func number(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		f, _ = n.Float64()
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// DecodeResult maps an engine result payload onto the boundary shape.
// Unknown fields are ignored; a payload without "success" decodes as unsuccessful.
func DecodeResult(payload map[string]any) (BoundaryResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return BoundaryResult{}, fmt.Errorf("marshal result payload: %w", err)
	}
	var r BoundaryResult
	if err := json.Unmarshal(data, &r); err != nil {
		return BoundaryResult{}, fmt.Errorf("decode result payload: %w", err)
	}
	return r, nil
}
