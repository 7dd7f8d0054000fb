package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsConstraintKeys(t *testing.T) {
	input := map[string]interface{}{
		"ids:rightOperand": map[string]interface{}{"@value": "5", "@type": "xsd:decimal"},
		"ids:operator":     "idsc:LTEQ",
		"ids:leftOperand":  "idsc:COUNT",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t,
		`{"ids:leftOperand":"idsc:COUNT","ids:operator":"idsc:LTEQ","ids:rightOperand":{"@type":"xsd:decimal","@value":"5"}}`,
		string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{"ids:target": "https://provider.example/artifacts?a=1&b=<2>"}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"ids:target":"https://provider.example/artifacts?a=1&b=<2>"}`, string(b))
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type constraint struct {
		Operator string `json:"ids:operator"`
		Left     string `json:"ids:leftOperand"`
	}
	h1, err := CanonicalHash(map[string]interface{}{"ids:leftOperand": "idsc:SYSTEM", "ids:operator": "idsc:SAME_AS"})
	require.NoError(t, err)
	h2, err := CanonicalHash(constraint{Operator: "idsc:SAME_AS", Left: "idsc:SYSTEM"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestEqual(t *testing.T) {
	eq, err := Equal(map[string]int{"b": 2, "a": 1}, map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.True(t, eq)

	eq, err = Equal([]int{1, 2}, []int{2, 1})
	require.NoError(t, err)
	assert.False(t, eq, "array order is significant")
}

func TestJCS_UnmarshalableValue(t *testing.T) {
	_, err := JCS(make(chan int))
	require.Error(t, err)
}
