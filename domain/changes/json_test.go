package changes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeSet_UnmarshalKeepsIntegers(t *testing.T) {
	body := `{"records":[
		{"path":"stock","kind":"set","value":5},
		{"path":"price","kind":"set","value":2.5},
		{"path":"views","kind":"increment","delta":3},
		{"path":"tags","kind":"append_batch","value":["a",1],"index":2},
		{"path":"note","kind":"remove"}
	]}`

	var cs ChangeSet
	require.NoError(t, json.Unmarshal([]byte(body), &cs))
	require.Len(t, cs.Records, 5)

	assert.Equal(t, int64(5), cs.Records[0].Value)
	assert.Equal(t, 2.5, cs.Records[1].Value)
	assert.Equal(t, int64(3), cs.Records[2].Delta)
	assert.Nil(t, cs.Records[2].Value)
	assert.Equal(t, []any{"a", int64(1)}, cs.Records[3].Value)
	assert.Equal(t, 2, cs.Records[3].Index)
	assert.Equal(t, KindRemove, cs.Records[4].Kind)
	assert.Nil(t, cs.Records[4].Value)
}

func TestRecord_UnmarshalAppendIndex(t *testing.T) {
	var cs ChangeSet
	require.NoError(t, json.Unmarshal([]byte(`{"records":[
		{"path":"tags","kind":"append_batch","value":["x"]},
		{"path":"tags","kind":"append_batch","value":["y"],"index":0},
		{"path":"tags","kind":"index_set","value":"z"}
	]}`), &cs))

	assert.Equal(t, UnknownIndex, cs.Records[0].Index)
	assert.Equal(t, 0, cs.Records[1].Index)
	assert.Equal(t, 0, cs.Records[2].Index)
}
