package server

import "net/http"

const (
	defaultFrameAncestors     = "'none'"
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"
	defaultTransportSecurity  = "max-age=63072000; includeSubDomains"
)

// SecurityConfig controls the hardening headers added to every response.
// Zero-valued fields fall back to defaults suited to a JSON API that serves
// no documents of its own.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
	// StrictTransportSecurity is only sent on TLS connections.
	StrictTransportSecurity string
}

func defaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ContentSecurityPolicy:   defaultContentSecurityPolicy(defaultFrameAncestors),
		FrameAncestors:          defaultFrameAncestors,
		FrameOptions:            defaultFrameOptions,
		ReferrerPolicy:          defaultReferrerPolicy,
		PermissionsPolicy:       defaultPermissionsPolicy,
		ContentTypeOptions:      defaultContentTypeOptions,
		StrictTransportSecurity: defaultTransportSecurity,
	}
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	defaults := defaultSecurityConfig()

	if cfg.FrameAncestors == "" {
		cfg.FrameAncestors = defaults.FrameAncestors
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaults.FrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaults.ReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaults.PermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaults.ContentTypeOptions
	}
	if cfg.StrictTransportSecurity == "" {
		cfg.StrictTransportSecurity = defaults.StrictTransportSecurity
	}
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy(cfg.FrameAncestors)
	}

	return cfg
}

func defaultContentSecurityPolicy(frameAncestors string) string {
	if frameAncestors == "" {
		frameAncestors = defaultFrameAncestors
	}
	// Media is fetched by the browser as a subresource of the client app,
	// which is governed by that app's own policy.
	return "default-src 'none'; frame-ancestors " + frameAncestors
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			header.Set("X-Frame-Options", effective.FrameOptions)
			header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
			header.Set("Referrer-Policy", effective.ReferrerPolicy)
			header.Set("Permissions-Policy", effective.PermissionsPolicy)
			if r.TLS != nil {
				header.Set("Strict-Transport-Security", effective.StrictTransportSecurity)
			}

			next.ServeHTTP(w, r)
		})
	}
}
