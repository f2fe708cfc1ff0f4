package transport

import (
	"net/http"
	"strings"

	"github.com/t3t-io/screenrelay/internal/v1/types"
)

// internalAgentSignature is the User-Agent substring announcing the
// workstation capture agent.
const internalAgentSignature = "t3t-agent"

// mobileSignatures are User-Agent substrings that identify handheld
// companion clients, including the HTTP stacks mobile frameworks ship.
var mobileSignatures = []string{
	"Mobile",
	"Android",
	"iPhone",
	"iPad",
	"Dart",
	"okhttp",
}

// Classify decides what kind of peer is connecting. Rules are evaluated in
// order; the first match wins:
//
//  1. client_type=internal in the accept payload (upgrade query string)
//  2. internal agent User-Agent signature
//  3. mobile User-Agent signature
//  4. unknown
func Classify(r *http.Request) types.Classification {
	if r.URL.Query().Get("client_type") == "internal" {
		return types.ClassificationInternal
	}

	ua := r.Header.Get("User-Agent")
	if strings.Contains(ua, internalAgentSignature) {
		return types.ClassificationInternal
	}
	for _, sig := range mobileSignatures {
		if strings.Contains(ua, sig) {
			return types.ClassificationMobile
		}
	}
	return types.ClassificationUnknown
}
