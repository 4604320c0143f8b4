package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseJSON_PreservesKeyOrder(t *testing.T) {
	v, err := ParseJSON([]byte(`{"z":1,"a":{"y":true,"b":null},"m":[1,2.5,"x"]}`))
	require.NoError(t, err)

	obj, ok := v.AsObject()
	require.True(t, ok)
	require.Equal(t, []string{"z", "a", "m"}, obj.Keys())

	nested, _ := obj.Get("a")
	nestedObj, _ := nested.AsObject()
	require.Equal(t, []string{"y", "b"}, nestedObj.Keys())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `{"z":1,"a":{"y":true,"b":null},"m":[1,2.5,"x"]}`, string(out))
}

func TestParseJSON_Numbers(t *testing.T) {
	v, err := ParseJSON([]byte(`[47, 47.2, 1e3, -3]`))
	require.NoError(t, err)

	arr, _ := v.AsArray()
	require.Equal(t, KindInt, arr[0].Kind())
	require.Equal(t, KindFloat, arr[1].Kind())
	require.Equal(t, KindFloat, arr[2].Kind())
	require.Equal(t, KindInt, arr[3].Kind())

	i, ok := arr[2].AsInt()
	require.True(t, ok)
	require.Equal(t, int64(1000), i)

	_, ok = arr[1].AsInt()
	require.False(t, ok)
}

func TestParseJSON_TrailingData(t *testing.T) {
	_, err := ParseJSON([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	require.True(t, Equal(Int(47), Float(47)))
	require.False(t, Equal(Int(47), String("47")))
	require.True(t, Equal(
		ObjectOf(P("a", Int(1)), P("b", Array(Null()))),
		ObjectOf(P("b", Array(Null())), P("a", Int(1))),
	))
	require.False(t, Equal(ObjectOf(P("a", Int(1))), ObjectOf(P("a", Int(2)))))
	require.True(t, Equal(Buffer([]byte("hi"), "text/plain"), Buffer([]byte("hi"), "")))
}

func TestBufferRendersAsBase64(t *testing.T) {
	out, err := json.Marshal(ObjectOf(P("file", Buffer([]byte("hello"), "text/plain"))))
	require.NoError(t, err)
	require.Equal(t, `{"file":{"_base64":"aGVsbG8="}}`, string(out))
}

func TestDecodeBase64Object(t *testing.T) {
	data, ok, err := DecodeBase64Object(ObjectOf(P(Base64Key, String("aGVsbG8="))))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	_, ok, _ = DecodeBase64Object(ObjectOf(P(Base64Key, String("aGVsbG8=")), P("extra", Int(1))))
	require.False(t, ok)

	_, ok, err = DecodeBase64Object(ObjectOf(P(Base64Key, String("!!"))))
	require.True(t, ok)
	require.Error(t, err)
}

func TestMockedBuffer(t *testing.T) {
	v, ok := MockedBuffer(ObjectOf(
		P(Base64Key, String("PGgxPmhpPC9oMT4=")),
		P(ContentTypeKey, String("text/html")),
	))
	require.True(t, ok)

	data, contentType, isBuf := v.AsBuffer()
	require.True(t, isBuf)
	require.Equal(t, "<h1>hi</h1>", string(data))
	require.Equal(t, "text/html", contentType)

	_, ok = MockedBuffer(ObjectOf(P("contentType", String("text/html"))))
	require.False(t, ok)
}

func TestObjectDelete(t *testing.T) {
	o := NewObject()
	o.Set("a", Int(1))
	o.Set("b", Int(2))
	o.Set("c", Int(3))
	o.Delete("b")

	require.Equal(t, []string{"a", "c"}, o.Keys())
	require.False(t, o.Has("b"))
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{"b": []any{1.0, "x"}, "a": 2.5})
	require.NoError(t, err)

	obj, _ := v.AsObject()
	require.Equal(t, []string{"a", "b"}, obj.Keys())

	b, _ := obj.Get("b")
	arr, _ := b.AsArray()
	require.Equal(t, KindInt, arr[0].Kind())
}
