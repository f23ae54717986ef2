package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	longPage := strings.Repeat("About Acme. ", 500)

	cases := []struct {
		name    string
		status  int
		body    string
		blocked bool
		kind    BlockType
	}{
		{"plain page", 200, "# Acme\n\nWe make widgets. " + longPage, false, BlockNone},
		{"forbidden status", 403, "<html>denied</html>", true, BlockCloudflare},
		{"legal block status", 451, "", true, BlockCloudflare},
		{"cloudflare challenge", 200, "Checking your browser before accessing acme.example", true, BlockCloudflare},
		{"cf verification marker", 200, "<div id=\"cf-browser-verification\"></div>", true, BlockCloudflare},
		{"recaptcha", 200, "Please complete the reCAPTCHA to continue", true, BlockCaptcha},
		{"hcaptcha", 200, "protected by hCaptcha", true, BlockCaptcha},
		{"js shell", 200, "<html><noscript>Please enable JavaScript</noscript></html>", true, BlockJSShell},
		{"meta refresh shell", 200, `<html><meta http-equiv="refresh" content="0"></html>`, true, BlockJSShell},
		{"long page mentioning javascript", 200, "<noscript>enable javascript</noscript>" + longPage, false, BlockNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blocked, kind := DetectBlock(tc.status, tc.body)
			assert.Equal(t, tc.blocked, blocked)
			assert.Equal(t, tc.kind, kind)
		})
	}
}
