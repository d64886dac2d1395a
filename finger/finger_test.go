package finger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Any, Parse(""))
	assert.Equal(t, Any, Parse("any"))
	assert.Equal(t, RightIndex, Parse("right-index-finger"))
	assert.Equal(t, LeftThumb, Parse("left-thumb"))

	// Unrecognized names fall back to Any so that verification can
	// still pick a finger for the caller.
	assert.Equal(t, Any, Parse("right-index"))
	assert.Equal(t, Any, Parse("nose"))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "any", Any.String())
	assert.Equal(t, "left-little-finger", LeftLittle.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "unknown", Finger(42).String())
}

func TestHex(t *testing.T) {
	require.Equal(t, "a", RightLittle.Hex())
	require.Equal(t, "1", LeftThumb.Hex())

	f, ok := FromHex("a")
	require.True(t, ok)
	assert.Equal(t, RightLittle, f)

	_, ok = FromHex("0") // Unknown is not enrollable
	assert.False(t, ok)
	_, ok = FromHex("ff")
	assert.False(t, ok)
	_, ok = FromHex("z")
	assert.False(t, ok)
}

func TestValid(t *testing.T) {
	assert.False(t, Any.Valid())
	assert.False(t, Unknown.Valid())
	for f := First; f <= Last; f++ {
		assert.True(t, f.Valid())
	}
}
