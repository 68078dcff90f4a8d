package media

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func encodedPNG(n int) string {
	data := append([]byte(nil), pngHeader...)
	for len(data) < n {
		data = append(data, byte(len(data)))
	}
	return base64.StdEncoding.EncodeToString(data)
}

func TestIsBase64(t *testing.T) {
	payload := encodedPNG(96)
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", false},
		{"plain text", "Olá, tudo bem? Gostaria de agendar um exame para amanhã de manhã.", false},
		{"short token", "aGVsbG8=", false},
		{"bare payload", payload, true},
		{"wrapped payload", payload[:40] + "\n" + payload[40:], true},
		{"data uri", "data:image/png;base64," + payload, true},
		{"short data uri", "data:text/plain;base64,aGk=", true},
		{"url", "https://cdn.example.com/" + strings.Repeat("a", 80), false},
		{"space wrapped payload", payload[:40] + "  " + payload[40:], true},
		{"tab and space wrapped", " " + payload[:20] + "\t" + payload[20:64] + " " + payload[64:], true},
		{"prose with punctuation", strings.Repeat("bom dia, ", 10), false},
		{"mixed alphabets", strings.Repeat("ab+_", 20), false},
		{"too much padding", strings.Repeat("abcd", 20) + "===", false},
		{"url safe padded", base64.URLEncoding.EncodeToString([]byte(strings.Repeat("\xfb\xff", 40))), true},
		{"url safe unpadded", base64.RawURLEncoding.EncodeToString([]byte(strings.Repeat("\xfb\xff", 40))), false},
		{"std unpadded", strings.TrimRight(payload, "=")[:len(payload)-3], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBase64(tt.in))
		})
	}
}

func TestDecodeRepairsPaddingAndAlphabet(t *testing.T) {
	raw := []byte(strings.Repeat("\xfb\xef\xbe", 30) + "x")

	data, err := Decode(base64.RawURLEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	data, err = Decode("data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	data, err = Decode(base64.StdEncoding.EncodeToString(raw)[:60] + " \n " + base64.StdEncoding.EncodeToString(raw)[60:])
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	_, err = Decode("not base64 at all")
	assert.ErrorIs(t, err, ErrNotBase64)
}

func TestDecodedSize(t *testing.T) {
	raw := make([]byte, 1000)
	encoded := base64.StdEncoding.EncodeToString(raw)
	assert.Equal(t, int64(1000), DecodedSize(encoded))
	assert.Equal(t, int64(1000), DecodedSize("data:image/png;base64,"+encoded))
}
