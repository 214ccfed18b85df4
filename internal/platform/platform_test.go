package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_compilerSupported(t *testing.T) {
	tests := []struct {
		goos, goarch string
		expected     bool
	}{
		{goos: "linux", goarch: "amd64", expected: true},
		{goos: "darwin", goarch: "amd64", expected: true},
		{goos: "freebsd", goarch: "amd64", expected: true},
		{goos: "linux", goarch: "arm64"},
		{goos: "windows", goarch: "amd64"},
		{goos: "js", goarch: "wasm"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.goos+"/"+tc.goarch, func(t *testing.T) {
			require.Equal(t, tc.expected, compilerSupported(tc.goos, tc.goarch))
		})
	}
}
