package image

import "testing"

func TestNormalizeReference(t *testing.T) {
	cases := map[string]string{
		"alpine":                          "docker.io/library/alpine:latest",
		"alpine:3.19":                     "docker.io/library/alpine:3.19",
		"myuser/myimage":                  "docker.io/myuser/myimage:latest",
		"ghcr.io/acme/tool:v1":            "ghcr.io/acme/tool:v1",
		"localhost:5000/x":                "localhost:5000/x:latest",
		"alpine@sha256:abcd":              "docker.io/library/alpine@sha256:abcd",
		"docker.io/library/alpine:latest": "docker.io/library/alpine:latest",
	}
	for in, want := range cases {
		if got := NormalizeReference(in); got != want {
			t.Errorf("NormalizeReference(%q) = %q, want %q", in, got, want)
		}
	}
}
