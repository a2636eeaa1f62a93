package judge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

var (
	DefaultReason     = "no reason provided"
	DefaultConfidence = 0.5
	// Judged results never carry exactly 0.0 confidence, which is reserved for degraded results
	MinJudgedConfidence = 0.01
)

var ErrMalformedResponse = errors.New("judge response malformed")

// Wire shape of a judge response. Pointers distinguish "missing" from zero values.
type verdictJSON struct {
	Accepted   *bool            `json:"accepted"`
	Reason     *json.RawMessage `json:"reason"`
	Confidence *json.RawMessage `json:"confidence"`
}

// Typed result of a successful parse.
type Verdict struct {
	Accepted   bool
	Reason     string
	Confidence float64
}

// Strictly parses a judge response in to a Verdict.
//
// The response must be a single JSON object (optionally wrapped in a markdown code fence). "accepted" is required and must be a boolean. "reason" must be a string if present; missing or blank falls back to DefaultReason. "confidence" must be a number in [0,1] if present; missing falls back to DefaultConfidence. Any other deviation returns an error wrapping ErrMalformedResponse.
func ParseResponse(raw string) (*Verdict, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var vj verdictJSON
	if err := dec.Decode(&vj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	// anything other than whitespace after the object, including a stray '}' or ']', is malformed
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedResponse)
	}

	if vj.Accepted == nil {
		return nil, fmt.Errorf("%w: missing 'accepted' field", ErrMalformedResponse)
	}

	out := Verdict{
		Accepted:   *vj.Accepted,
		Reason:     DefaultReason,
		Confidence: DefaultConfidence,
	}

	if vj.Reason != nil && !isNull(*vj.Reason) {
		var reason string
		if err := json.Unmarshal(*vj.Reason, &reason); err != nil {
			return nil, fmt.Errorf("%w: 'reason' is not a string", ErrMalformedResponse)
		}
		if r := strings.TrimSpace(reason); r != "" {
			out.Reason = r
		}
	}

	if vj.Confidence != nil && !isNull(*vj.Confidence) {
		var conf float64
		if err := json.Unmarshal(*vj.Confidence, &conf); err != nil {
			return nil, fmt.Errorf("%w: 'confidence' is not a number", ErrMalformedResponse)
		}
		if math.IsNaN(conf) || conf < 0.0 || conf > 1.0 {
			return nil, fmt.Errorf("%w: 'confidence' out of range: %v", ErrMalformedResponse, conf)
		}
		if conf < MinJudgedConfidence {
			conf = MinJudgedConfidence
		}
		out.Confidence = conf
	}

	return &out, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Models sometimes wrap JSON output in ```json ... ``` fences, even when asked not to
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop language tag line (eg, "json")
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
