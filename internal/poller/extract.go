package poller

import (
	"fmt"
	"regexp"
	"strconv"
)

// Regex returns an [Extractor] that matches pattern against the raw body and
// yields its first capture group. Use it for sources that do not speak JSON.
//
// Captured text that parses as an integer or float is returned as int or
// float64 so it compares equal to numbers written through the JSON path.
// Anything else is returned as a string.
//
// Example:
//
//	// "queue_depth 42" -> 42
//	extract, err := poller.Regex(`queue_depth (\d+)`)
func Regex(pattern string) (Extractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("pattern %q has no capture group", pattern)
	}

	return func(body []byte) (any, error) {
		matches := re.FindSubmatch(body)
		if matches == nil {
			return nil, fmt.Errorf("pattern %q did not match response", pattern)
		}
		return scalar(string(matches[1])), nil
	}, nil
}

// MustRegex is like [Regex] but panics if the pattern is invalid.
func MustRegex(pattern string) Extractor {
	extract, err := Regex(pattern)
	if err != nil {
		panic(fmt.Sprintf("poller: %v", err))
	}
	return extract
}

func scalar(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
