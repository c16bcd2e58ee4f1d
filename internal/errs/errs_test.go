package errs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsUntypedNil(t *testing.T) {
	// The result must compare equal to nil even when stored in an error
	// interface, so helpers may tail-return Wrap unconditionally.
	var err error = Wrap(nil, KindIO, "flush")
	assert.NoError(t, err)
	assert.Nil(t, err)
}

func TestWrapClassifiesAndUnwraps(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, KindIO, "read log %s", "events.jsonl")
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "events.jsonl")
}

func TestKindOfUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(io.EOF))
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "missing")))
}
