package fleet

import "testing"

import "github.com/stretchr/testify/assert"

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTP://Example.COM:8080", "http://example.com:8080"},
		{"folds localhost to 127.0.0.1", "http://localhost:8080", "http://127.0.0.1:8080"},
		{"preserves literal ipv6 loopback", "http://[::1]:8080", "http://[::1]:8080"},
		{"strips trailing slash", "http://127.0.0.1:8080/", "http://127.0.0.1:8080"},
		{"preserves port", "http://127.0.0.1:19876", "http://127.0.0.1:19876"},
		{"drops query and fragment", "http://127.0.0.1:8080/x?y=1#z", "http://127.0.0.1:8080/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURL_Invalid(t *testing.T) {
	_, err := NormalizeURL("://bad")
	assert.Error(t, err)
}
