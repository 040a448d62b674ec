package processor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avsguild/contributor/processor"
)

func TestDigestProcessor_Deterministic(t *testing.T) {
	req := require.New(t)
	proc := processor.NewDigestProcessor()

	payload := []byte(`{"b": 2, "a": 1}`)

	first, err := proc.Process(payload)
	req.NoError(err)

	for i := 0; i < 100; i++ {
		again, err := proc.Process(payload)
		req.NoError(err)
		req.Equal(first, again)
	}
}

func TestDigestProcessor_KeyOrderIndependent(t *testing.T) {
	req := require.New(t)
	proc := processor.NewDigestProcessor()

	first, err := proc.Process([]byte(`{"b": 2, "a": 1}`))
	req.NoError(err)

	second, err := proc.Process([]byte(` {"a":1,  "b": 2} `))
	req.NoError(err)

	req.Equal(first, second)
}

func TestDigestProcessor_NonJSONPassesThrough(t *testing.T) {
	req := require.New(t)
	proc := processor.NewDigestProcessor()

	payload := []byte{0x00, 0x01, 0x02}
	result, err := proc.Process(payload)
	req.NoError(err)
	req.Equal(payload, result)
}

func TestDigestProcessor_EmptyPayload(t *testing.T) {
	req := require.New(t)
	proc := processor.NewDigestProcessor()

	_, err := proc.Process(nil)
	req.Error(err)
}

func TestCounterProcessor(t *testing.T) {
	req := require.New(t)
	proc := processor.NewCounterProcessor()

	result, err := proc.Process([]byte(`{"value": 41}`))
	req.NoError(err)
	req.JSONEq(`{"value": 42}`, string(result))

	_, err = proc.Process([]byte(`not json`))
	req.Error(err)
}
