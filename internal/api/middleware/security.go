package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"unicode"
)

// maxAgentHeaderLen matches the agent id limit of the registry.
const maxAgentHeaderLen = 128

// SecurityHeaders adds security headers to all responses. The relay serves
// JSON only, so the content security policy allows nothing.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits request body size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "invalid", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateRequest rejects bodies that are not JSON, malformed agent id
// headers and paths or query values carrying common attack patterns.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			// an empty body needs no content type
			ct := r.Header.Get("Content-Type")
			if r.ContentLength > 0 && !strings.HasPrefix(ct, "application/json") {
				jsonError(w, http.StatusUnsupportedMediaType, "invalid", "content-type must be application/json")
				return
			}
		}

		if !validAgentHeader(r.Header.Get(AgentHeader)) {
			jsonError(w, http.StatusBadRequest, "invalid", "malformed "+AgentHeader+" header")
			return
		}

		if suspicious(r.URL.Path) || suspiciousQuery(r.URL.Query()) {
			jsonError(w, http.StatusBadRequest, "invalid", "invalid request")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func validAgentHeader(id string) bool {
	if len(id) > maxAgentHeaderLen {
		return false
	}
	return strings.IndexFunc(id, func(c rune) bool {
		return unicode.IsSpace(c) || unicode.IsControl(c)
	}) < 0
}

var suspiciousPatterns = []string{
	"..",          // path traversal
	"<script",     // XSS
	"javascript:", // XSS
	"vbscript:",   // XSS
	"onload=",     // XSS event handlers
	"onerror=",    // XSS event handlers
}

func suspicious(input string) bool {
	if input == "" {
		return false
	}
	lower := strings.ToLower(input)
	if strings.Contains(lower, "//") {
		return true
	}
	for _, s := range suspiciousPatterns {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// suspiciousQuery checks decoded query values, without the "//" rule that
// applies to paths.
func suspiciousQuery(q url.Values) bool {
	for _, values := range q {
		for _, v := range values {
			lower := strings.ToLower(v)
			for _, s := range suspiciousPatterns {
				if strings.Contains(lower, s) {
					return true
				}
			}
		}
	}
	return false
}
