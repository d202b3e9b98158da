package api

import (
	"net/http"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// extensionUARe matches the VS Code extension's user agent, e.g.
// "PairTrace-VSCode/1.4.2 (darwin)".
var extensionUARe = regexp.MustCompile(`^PairTrace-VSCode/(\S+) \(([^)]+)\)$`)

// ExtensionInfo is the client version parsed from a request user agent.
type ExtensionInfo struct {
	Version string
	OS      string
}

// ParseExtensionUserAgent returns nil when the user agent is not the
// PairTrace extension.
func ParseExtensionUserAgent(ua string) *ExtensionInfo {
	m := extensionUARe.FindStringSubmatch(ua)
	if m == nil {
		return nil
	}
	return &ExtensionInfo{Version: m[1], OS: m[2]}
}

// SpanEnricher is a middleware that enriches the current span with
// request metadata when the request comes from the PairTrace extension.
func SpanEnricher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "" {
			if ext := ParseExtensionUserAgent(ua); ext != nil {
				span := trace.SpanFromContext(r.Context())
				span.SetAttributes(
					attribute.String("extension.version", ext.Version),
					attribute.String("extension.os", ext.OS),
				)
			}
		}

		next.ServeHTTP(w, r)
	})
}
