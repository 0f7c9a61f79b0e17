package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, c.Name())
	}

	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestCodecs_CrossCompatible(t *testing.T) {
	type payload struct {
		ID      uint64    `json:"id"`
		Content string    `json:"content"`
		Vec     []float32 `json:"vec"`
	}
	in := payload{ID: 42, Content: "the sky is blue", Vec: []float32{0.1, 0.2}}

	// go-json output must decode with the stdlib codec and vice versa.
	data := MustMarshal(GoJSON{}, in)
	var out payload
	require.NoError(t, JSON{}.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	data = MustMarshal(JSON{}, in)
	out = payload{}
	require.NoError(t, GoJSON{}.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
