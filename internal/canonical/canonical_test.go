package canonical

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", -100, "-100"},
		{"max int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array", []any{1, "a", false}, `[1,"a",false]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalSortsKeysRecursively(t *testing.T) {
	got, err := Marshal(map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(got))
}

func TestMarshalUTF16KeyOrdering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts
	// before U+E000 in UTF-16 even though its UTF-8 bytes sort after.
	got, err := Marshal(map[string]any{
		"\ue000":     1,
		"\U00010000": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\ue000\":1}", string(got))
}

func TestMarshalStructsAndMapsAgree(t *testing.T) {
	type request struct {
		ID   string         `json:"id"`
		Data map[string]any `json:"data,omitempty"`
	}

	fromStruct, err := Marshal(request{ID: "bulb-1", Data: map[string]any{"room": "kitchen", "watts": 9}})
	require.NoError(t, err)

	fromMap, err := Marshal(map[string]any{"data": map[string]any{"watts": 9, "room": "kitchen"}, "id": "bulb-1"})
	require.NoError(t, err)

	assert.Equal(t, string(fromMap), string(fromStruct))
	assert.Equal(t, `{"data":{"room":"kitchen","watts":9},"id":"bulb-1"}`, string(fromStruct))
}

func TestMarshalRawMessage(t *testing.T) {
	got, err := Marshal(json.RawMessage(`{ "b" : [1, 2], "a" : "x" }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":[1,2]}`, string(got))
}

func TestMarshalNumbers(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"fraction", `0.5`, `0.5`},
		{"negative fraction", `-2.75`, `-2.75`},
		{"whole float", `1.0`, `1`},
		{"exponent integer", `1e3`, `1000`},
		{"negative zero", `-0.0`, `0`},
		{"large uint", `18446744073709551615`, `18446744073709552000`},
		{"above 1e21", `1e21`, `1e+21`},
		{"small", `0.000001`, `0.000001`},
		{"tiny", `1.5e-7`, `1.5e-7`},
		{"shortest round trip", `0.1000000000000000055511151231257827`, `0.1`},
		{"exact int64", `9007199254740993`, `9007199254740993`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(json.RawMessage(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalFloatPayload(t *testing.T) {
	got, err := Marshal(map[string]any{"id": "bulb-1", "data": map[string]any{"brightness": 0.5, "watts": 9.0}})
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"brightness":0.5,"watts":9},"id":"bulb-1"}`, string(got))
}

func TestMarshalRejectsOutOfRangeNumbers(t *testing.T) {
	_, err := Marshal(json.RawMessage(`1e400`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestMarshalRejectsUnserializable(t *testing.T) {
	_, err := Marshal(map[string]any{"ch": make(chan int)})
	require.Error(t, err)

	_, err = Marshal(json.RawMessage(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestMarshalNoHTMLEscape(t *testing.T) {
	got, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalStringEscaping(t *testing.T) {
	got, err := Marshal("quote\" back\\ nl\n tab\t bell\x07 ls\u2028")
	require.NoError(t, err)
	assert.Equal(t, `"quote\" back\\ nl\n tab\t bell\u0007 ls`+"\u2028"+`"`, string(got))
}

func TestMarshalNFCNormalization(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := Marshal(map[string]any{decomposed: decomposed})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{composed: composed})
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalDeterministic(t *testing.T) {
	payload := map[string]any{"id": "bulb-1", "data": map[string]any{"a": 1, "b": []any{"x", "y"}, "c": true}}
	first, err := Marshal(payload)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Marshal(payload)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestSortKeys(t *testing.T) {
	keys := []string{"beta", "alpha", "Zulu", "a"}
	SortKeys(keys)
	assert.Equal(t, []string{"Zulu", "a", "alpha", "beta"}, keys)
}
