package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/v1/documents":                        "/v1/documents",
		"/v1/documents/render":                 "/v1/documents/render",
		"/v1/documents/abc":                    "/v1/documents/:id",
		"/v1/documents/abc/send-for-signature": "/v1/documents/:id/send-for-signature",
		"/v1/documents/abc/pdf?x=1":            "/v1/documents/:id/pdf",
		"/v1/documents/abc/x/y":                "/v1/documents/abc/x/y",
		"/v1/templates/tpl1/send":              "/v1/templates/:id/send",
		"/v1/sign/secret-token":                "/v1/sign/:token",
		"/v1/sign/secret-token/submit":         "/v1/sign/:token/submit",
		"/v1/sign/secret-token/a/b":            "/v1/sign/:token/unknown",
		"/v1/auth/login":                       "/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
