package nodedata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAny_DecodedJSON(t *testing.T) {
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`{"items":[{"id":1},{"id":2}],"name":"x","ok":true,"none":null}`), &raw))

	v := FromAny(raw)
	require.Equal(t, KindObject, v.Kind())
	assert.Equal(t, []string{"items", "name", "none", "ok"}, v.Keys())

	items, ok := v.Get("items")
	require.True(t, ok)
	assert.Equal(t, 2, items.Len())

	first, ok := items.Index(0)
	require.True(t, ok)
	id, _ := first.Get("id")
	n, ok := id.AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(1), n)

	none, ok := v.Get("none")
	require.True(t, ok)
	assert.True(t, none.IsNull())
}

func TestFromAny_IntegerKinds(t *testing.T) {
	for _, in := range []any{int(3), int64(3), uint8(3), float32(3), json.Number("3")} {
		v := FromAny(in)
		n, ok := v.AsNumber()
		require.True(t, ok, "%T", in)
		assert.Equal(t, float64(3), n)
	}
}

func TestFromAny_Struct(t *testing.T) {
	type point struct {
		X int `json:"x"`
	}
	v := FromAny(point{X: 4})
	x, ok := v.Get("x")
	require.True(t, ok)
	assert.Equal(t, "4", x.Text())
}

func TestValue_Text(t *testing.T) {
	assert.Equal(t, "1", Number(1).Text())
	assert.Equal(t, "1.5", Number(1.5).Text())
	assert.Equal(t, "hello", String("hello").Text())
	assert.Equal(t, "true", Bool(true).Text())
	assert.Equal(t, "", Null.Text())
	assert.Equal(t, `{"a":[1,"b"]}`, Object(map[string]Value{
		"a": Array(Number(1), String("b")),
	}).Text())
}

func TestValue_MarshalRoundTrip(t *testing.T) {
	in := `{"a":[1,2.5,"x",null,true],"b":{"c":{}}}`
	var v Value
	require.NoError(t, json.Unmarshal([]byte(in), &v))

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestValue_Truthy(t *testing.T) {
	assert.False(t, Null.Truthy())
	assert.False(t, Bool(false).Truthy())
	assert.False(t, Number(0).Truthy())
	assert.False(t, String("").Truthy())
	assert.True(t, String("no").Truthy())
	assert.True(t, Array().Truthy())
	assert.True(t, Object(nil).Truthy())
}

func TestValue_Immutability(t *testing.T) {
	items := []Value{Number(1)}
	arr := Array(items...)
	items[0] = Number(99)

	first, _ := arr.Index(0)
	assert.Equal(t, "1", first.Text())

	copied, _ := arr.AsArray()
	copied[0] = Number(42)
	first, _ = arr.Index(0)
	assert.Equal(t, "1", first.Text())
}

func TestValue_With(t *testing.T) {
	base := Object(map[string]Value{"a": Number(1)})
	next := base.With("b", Number(2))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, next.Len())

	scalar := String("x").With("k", Bool(true))
	assert.Equal(t, []string{"k"}, scalar.Keys())
}

func TestValue_AnyAndEqual(t *testing.T) {
	raw := map[string]any{"list": []any{1.0, "two"}, "flag": false}
	v := FromAny(raw)
	assert.Equal(t, raw, v.Any())
	assert.True(t, v.Equal(FromAny(raw)))
	assert.False(t, v.Equal(Null))
}
