// Package processor maps a task payload to the result value every honest
// node must independently agree on before signing. Implementations must be
// deterministic: same payload, same result, on every node. Wall-clock time,
// unseeded randomness and node-local state are forbidden here.
package processor

import (
	"encoding/json"
	"fmt"
)

type Processor interface {
	Process(payload []byte) ([]byte, error)
}

// DigestProcessor canonicalizes the payload so that nodes receiving
// semantically equal JSON (differing only in key order or whitespace)
// compute byte-identical results.
type DigestProcessor struct{}

func NewDigestProcessor() *DigestProcessor {
	return &DigestProcessor{}
}

func (p *DigestProcessor) Process(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		// Not JSON: the raw bytes are already the canonical form.
		result := make([]byte, len(payload))
		copy(result, payload)
		return result, nil
	}

	// encoding/json sorts object keys, giving a canonical encoding.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	return canonical, nil
}

type counterPayload struct {
	Value uint64 `json:"value"`
}

// CounterProcessor implements the counter work item: the result is the
// incremented value, JSON-encoded.
type CounterProcessor struct{}

func NewCounterProcessor() *CounterProcessor {
	return &CounterProcessor{}
}

func (p *CounterProcessor) Process(payload []byte) ([]byte, error) {
	var counter counterPayload
	if err := json.Unmarshal(payload, &counter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counter payload: %w", err)
	}

	result, err := json.Marshal(&counterPayload{Value: counter.Value + 1})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal counter result: %w", err)
	}

	return result, nil
}
