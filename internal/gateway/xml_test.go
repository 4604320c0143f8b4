package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeXML(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"flat", `<p><name>Ada</name><age>41</age></p>`, `{"name":"Ada","age":"41"}`},
		{"repeated", `<p><tag>a</tag><tag>b</tag><tag>c</tag></p>`, `{"tag":["a","b","c"]}`},
		{"nested", `<p><user><name>Ada</name></user></p>`, `{"user":{"name":"Ada"}}`},
		{"attributes", `<p><item id="7">pen</item></p>`, `{"item":{"$":{"id":"7"},"_":"pen"}}`},
		{"empty root", `<p/>`, `{}`},
		{"empty element", `<p><note/></p>`, `{"note":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, stringTyped, err := decodeXML([]byte(tt.body), nil)
			require.NoError(t, err)
			assert.True(t, stringTyped)
			out, err := v.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}
