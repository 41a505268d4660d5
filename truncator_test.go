package pbd

import (
	"testing"

	"github.com/stvp/assert"
)

func TestFullTruncateResponse(t *testing.T) {
	resp := FullTruncateResponse()
	assert.Equal(t, FullTruncate, resp.Kind, "expected FullTruncate kind")
}

func TestPartialTruncateResponse(t *testing.T) {
	resp := PartialTruncateResponse(func(out []byte) (int, error) {
		return copy(out, "replacement"), nil
	})
	assert.Equal(t, PartialTruncate, resp.Kind, "expected PartialTruncate kind")

	out := make([]byte, 32)
	n, err := resp.Write(out)
	assert.Equal(t, nil, err, "write should not error")
	assert.Equal(t, "replacement", string(out[:n]), "write should produce the replacement bytes")
}

func TestTruncatorFunc(t *testing.T) {
	var tr Truncator = TruncatorFunc(func(record []byte) (*TruncateResponse, error) {
		if string(record) == "bad" {
			return FullTruncateResponse(), nil
		}
		return nil, nil
	})
	resp, err := tr.Parse([]byte("good"))
	assert.Equal(t, nil, err, "parse should not error")
	if resp != nil {
		t.Fatal("expected a nil response for a kept record")
	}
	resp, err = tr.Parse([]byte("bad"))
	assert.Equal(t, nil, err, "parse should not error")
	assert.Equal(t, FullTruncate, resp.Kind, "expected FullTruncate for a bad record")
}
