package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/t3t-io/screenrelay/internal/v1/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		userAgent string
		want      types.Classification
	}{
		{
			name: "query param wins over everything",
			url:  "/ws?client_type=internal",
			// A mobile UA with the query param is still internal.
			userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
			want:      types.ClassificationInternal,
		},
		{
			name:      "agent user agent",
			url:       "/ws",
			userAgent: "t3t-agent/1.0",
			want:      types.ClassificationInternal,
		},
		{
			name:      "android browser",
			url:       "/ws",
			userAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile Safari/537.36",
			want:      types.ClassificationMobile,
		},
		{
			name:      "iphone",
			url:       "/ws",
			userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
			want:      types.ClassificationMobile,
		},
		{
			name:      "ipad",
			url:       "/ws",
			userAgent: "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)",
			want:      types.ClassificationMobile,
		},
		{
			name:      "dart http stack",
			url:       "/ws",
			userAgent: "Dart/3.2 (dart:io)",
			want:      types.ClassificationMobile,
		},
		{
			name:      "okhttp stack",
			url:       "/ws",
			userAgent: "okhttp/4.12.0",
			want:      types.ClassificationMobile,
		},
		{
			name:      "desktop browser",
			url:       "/ws",
			userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15",
			want:      types.ClassificationUnknown,
		},
		{
			name:      "no user agent",
			url:       "/ws",
			userAgent: "",
			want:      types.ClassificationUnknown,
		},
		{
			name:      "wrong client_type value falls through",
			url:       "/ws?client_type=external",
			userAgent: "",
			want:      types.ClassificationUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.userAgent != "" {
				r.Header.Set("User-Agent", tt.userAgent)
			}
			assert.Equal(t, tt.want, Classify(r))
		})
	}
}
