// Package extraction pulls a JSON object out of free-text AI output by trying
// progressively more lenient strategies.
package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"doc-intake-go/internal/repair"
)

// Strategy names one way of locating the JSON object in a response
type Strategy string

const (
	StrategyMarkdownFenced Strategy = "markdown_fenced"
	StrategyBareJSONScan   Strategy = "bare_json_scan"
	StrategyRepairedJSON   Strategy = "repaired_json"
)

// Attempt records one strategy applied to a response
type Attempt struct {
	Strategy  Strategy
	Candidate string
	Succeeded bool
	Detail    string
}

// Result is either *Success or *Failure
type Result interface {
	AttemptLog() []Attempt
}

// Success carries the parsed object and the strategy that produced it
type Success struct {
	Payload  map[string]interface{}
	Strategy Strategy
	Attempts []Attempt
}

func (s *Success) AttemptLog() []Attempt { return s.Attempts }

// Failure means every strategy failed; Raw is the untouched response
type Failure struct {
	Raw      string
	Reason   string
	Attempts []Attempt
}

func (f *Failure) AttemptLog() []Attempt { return f.Attempts }

func (f *Failure) Error() string {
	return "extraction failed: " + f.Reason
}

var errNotObject = errors.New("top-level JSON value is not an object")

// Extract runs the strategies in order and stops at the first success.
func Extract(raw string) Result {
	var attempts []Attempt
	fail := func(s Strategy, candidate string, err error) {
		attempts = append(attempts, Attempt{Strategy: s, Candidate: candidate, Detail: err.Error()})
	}
	succeed := func(s Strategy, candidate string, payload map[string]interface{}) Result {
		attempts = append(attempts, Attempt{Strategy: s, Candidate: candidate, Succeeded: true})
		return &Success{Payload: payload, Strategy: s, Attempts: attempts}
	}

	scope := raw
	if block, ok := findFencedBlock(raw); ok {
		scope = block
		payload, err := decodeObject(block)
		if err == nil {
			return succeed(StrategyMarkdownFenced, block, payload)
		}
		fail(StrategyMarkdownFenced, block, err)
	} else {
		fail(StrategyMarkdownFenced, "", errors.New("no fenced JSON block"))
	}

	candidate, found := scanObject(scope)
	if found {
		payload, err := decodeObject(candidate)
		if err == nil {
			return succeed(StrategyBareJSONScan, candidate, payload)
		}
		fail(StrategyBareJSONScan, candidate, err)
	} else {
		candidate = strings.TrimSpace(scope)
		fail(StrategyBareJSONScan, "", errors.New("no JSON object found"))
	}

	repaired, err := repair.Repair(candidate)
	if err == nil {
		payload, decodeErr := decodeObject(repaired)
		if decodeErr == nil {
			return succeed(StrategyRepairedJSON, repaired, payload)
		}
		err = decodeErr
	}
	fail(StrategyRepairedJSON, repaired, err)

	return &Failure{
		Raw:      raw,
		Reason:   fmt.Sprintf("no strategy produced a JSON object: %v", err),
		Attempts: attempts,
	}
}

func decodeObject(text string) (map[string]interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

// findFencedBlock returns the body of the first ```json fence, or of the first
// untagged fence whose body starts with "{". An unterminated fence runs to the
// end of the text.
func findFencedBlock(raw string) (string, bool) {
	rest := raw
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return "", false
		}
		rest = rest[start+3:]

		tag := rest
		body := ""
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			tag, body = rest[:nl], rest[nl+1:]
		}
		tag = strings.TrimSpace(tag)

		end := strings.Index(body, "```")
		next := ""
		if end >= 0 {
			body, next = body[:end], body[end+3:]
		}

		switch {
		case strings.EqualFold(tag, "json"):
			return strings.TrimSpace(body), true
		case tag == "" && strings.HasPrefix(strings.TrimSpace(body), "{"):
			return strings.TrimSpace(body), true
		case tag != "" && strings.HasPrefix(tag, "{"):
			// ```{"a":1}``` on a single line
			if i := strings.Index(tag, "```"); i >= 0 {
				return strings.TrimSpace(tag[:i]), true
			}
		}
		if end < 0 {
			return "", false
		}
		rest = next
	}
}

// scanObject returns the first balanced {...} span, counting braces outside
// string literals. When the braces never balance it returns everything from
// the first "{" on.
func scanObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return strings.TrimSpace(text[start:]), true
}
