package fields

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = Timestamp{}
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Map{"key": String("value")}
}

func TestMapSortedKeys(t *testing.T) {
	m := Map{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}

	assert.Equal(t, []string{"apple", "banana", "zebra"}, m.SortedKeys())
}

func TestMapSortedKeysUTF16Order(t *testing.T) {
	m := Map{"a": Int(1), "A": Int(2), "aa": Int(3), "aA": Int(4), "Aa": Int(5), "AA": Int(6)}

	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, m.SortedKeys())
}

func TestMapRoundTripPreservesTypes(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 15, 123456789, time.UTC)
	original := Map{
		"lastEvent": NewTimestamp(ts),
		"gcsMetadata": Map{
			"size":       Int(42),
			"name":       String("a/b/c.txt"),
			"temporary":  Bool(false),
			"acl":        Array{String("owner")},
			"retention":  Null{},
			"timeCreated": NewTimestamp(ts.Add(-time.Hour)),
		},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Map
	require.NoError(t, json.Unmarshal(data, &decoded))

	got, ok := decoded.GetTime("lastEvent")
	require.True(t, ok, "lastEvent should decode as a timestamp")
	assert.True(t, ts.Equal(got))

	meta, ok := decoded.GetMap("gcsMetadata")
	require.True(t, ok)
	size, ok := meta.GetInt("size")
	require.True(t, ok, "size should decode as an integer")
	assert.Equal(t, int64(42), size)
	name, ok := meta.GetString("name")
	require.True(t, ok)
	assert.Equal(t, "a/b/c.txt", name)
	assert.Equal(t, Null{}, meta["retention"])
	assert.True(t, Equal(original, decoded))
}

func TestMarshalJSONSortedKeys(t *testing.T) {
	data, err := json.Marshal(Map{"b": Int(2), "a": Int(1)})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(data))
}

func TestUnmarshalRejectsFloats(t *testing.T) {
	var m Map
	err := json.Unmarshal([]byte(`{"size":1.5}`), &m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")
}

func TestUnmarshalMapWithTimeKeyAndSiblings(t *testing.T) {
	// Only a single-key {"$time": ...} object is a timestamp.
	var m Map
	require.NoError(t, json.Unmarshal([]byte(`{"x":{"$time":"nope","other":1}}`), &m))
	inner, ok := m.GetMap("x")
	require.True(t, ok)
	assert.Equal(t, String("nope"), inner["$time"])
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"count":  float64(3),
		"ratio":  1.25,
		"labels": []any{"x", true},
		"nested": map[string]any{"k": nil},
		"num":    json.Number("17"),
	})
	require.NoError(t, err)

	m, ok := v.(Map)
	require.True(t, ok)
	assert.Equal(t, Int(3), m["count"])
	assert.Equal(t, String("1.25"), m["ratio"])
	assert.Equal(t, Array{String("x"), Bool(true)}, m["labels"])
	assert.Equal(t, Map{"k": Null{}}, m["nested"])
	assert.Equal(t, Int(17), m["num"])
}

func TestFromAnyUnsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	original := Map{"nested": Map{"k": String("v")}}
	clone := original.Clone()
	clone["nested"].(Map)["k"] = String("changed")

	assert.Equal(t, String("v"), original["nested"].(Map)["k"])
}
