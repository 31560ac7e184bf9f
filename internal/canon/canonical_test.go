package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	v := map[string]any{"b": "2", "a": "1", "c": map[string]any{"z": true, "y": nil}}

	got, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2","c":{"y":null,"z":true}}`, string(got))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FF61
	// in UTF-16 even though its UTF-8 encoding sorts after.
	v := map[string]any{"｡": "1", "\U0001F600": "2"}

	got, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":\"2\",\"｡\":\"1\"}", string(got))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonical_ControlCharacters(t *testing.T) {
	got, err := MarshalCanonical("a\nb\t\"c\"\\\x01")
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\t\"c\"\\\u0001"`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed := "é"
	got, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"é\"", string(got))
}

func TestMarshalCanonical_Numbers(t *testing.T) {
	got, err := MarshalCanonical([]any{json.Number("12.50"), 3, int64(-4), 1.5})
	require.NoError(t, err)
	assert.Equal(t, `[12.50,3,-4,1.5]`, string(got))

	got, err = MarshalCanonical([]any{1e6, 1e21, 0.000001})
	require.NoError(t, err)
	assert.Equal(t, `[1000000,1e+21,0.000001]`, string(got))

	_, err = MarshalCanonical(json.Number("not-a-number"))
	assert.Error(t, err)
}

func TestMarshalCanonical_UnsupportedType(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestDecode_KeepsNumbersAndRejectsTrailingData(t *testing.T) {
	v, err := Decode([]byte(`{"n": 9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), v.(map[string]any)["n"])

	_, err = Decode([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestNormalize_YAMLStyleValues(t *testing.T) {
	in := map[string]any{"count": 3, "ratio": 0.5, "tags": []any{"x"}}

	out, err := Normalize(in)
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, json.Number("3"), m["count"])
	assert.Equal(t, json.Number("0.5"), m["ratio"])
	assert.Equal(t, []any{"x"}, m["tags"])
}

func TestCanonicalRoundTrip_Stable(t *testing.T) {
	v, err := Decode([]byte(`{"z":[1,2,{"b":1,"a":2}],"a":"x"}`))
	require.NoError(t, err)

	first, err := MarshalCanonical(v)
	require.NoError(t, err)

	again, err := Decode(first)
	require.NoError(t, err)
	second, err := MarshalCanonical(again)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestDigest_DomainSeparation(t *testing.T) {
	v := map[string]any{"a": "1"}

	d1, err := Digest(DomainJobContract, v)
	require.NoError(t, err)
	d2, err := Digest(DomainArtifact, v)
	require.NoError(t, err)

	assert.Len(t, d1, 64)
	assert.NotEqual(t, d1, d2)

	data, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, d1, DigestBytes(DomainJobContract, data))
}
