package schema

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateSubmissionID(t *testing.T) {
	cases := []struct {
		name  string
		id    SubmissionID
		valid bool
	}{
		{"digits", "9712345", true},
		{"with-dash", "sub-1", true},
		{"with-dot", "sub.1", true},
		{"with-underscore", "sub_1", true},
		{"empty", "", false},
		{"leading-dash", "-sub", false},
		{"space", "sub 1", false},
		{"trailing-space", "sub1 ", false},
		{"slash", "sub/1", false},
		{"unicode", "sÃ¼b", false},
	}

	for _, tc := range cases {
		err := ValidateSubmissionID(tc.id)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid && !errors.Is(err, ErrInvalidSubmission) {
			t.Fatalf("case %q expected ErrInvalidSubmission, got %v", tc.name, err)
		}
	}
}

const testDigest = "sha256:2b3a0b2c0f5f5b8e0a5c6c9d1a5b8e7f0c1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f"

func TestNormalizeImageRef(t *testing.T) {
	got, err := NormalizeImageRef("docker.synapse.org/syn123/model", testDigest)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := "docker.synapse.org/syn123/model@" + testDigest
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got, err = NormalizeImageRef("busybox", testDigest)
	if err != nil {
		t.Fatalf("normalize short name: %v", err)
	}
	if !strings.HasPrefix(got, "docker.io/library/busybox@") {
		t.Fatalf("expected normalized docker.io name, got %q", got)
	}
}

func TestNormalizeImageRefRejectsMutableOrBroken(t *testing.T) {
	cases := []struct {
		name       string
		repository string
		digest     string
	}{
		{"tagged", "docker.synapse.org/syn123/model:latest", testDigest},
		{"empty-digest", "docker.synapse.org/syn123/model", ""},
		{"bad-digest", "docker.synapse.org/syn123/model", "sha256:nothex"},
		{"uppercase-repo", "Docker.synapse.org/SYN/Model", testDigest},
		{"empty-repo", "", testDigest},
	}
	for _, tc := range cases {
		if _, err := NormalizeImageRef(tc.repository, tc.digest); !errors.Is(err, ErrInvalidImage) {
			t.Fatalf("case %q expected ErrInvalidImage, got %v", tc.name, err)
		}
	}
}

func TestSubmissionDeclaredValid(t *testing.T) {
	cases := map[string]bool{
		"VALIDATED": true,
		"":          true,
		"INVALID":   false,
		" invalid ": false,
	}
	for status, want := range cases {
		sub := Submission{ImageStatus: status}
		if got := sub.DeclaredValid(); got != want {
			t.Fatalf("status %q: expected %v, got %v", status, want, got)
		}
	}
}

func TestOutputMissingNamesPatternAndTree(t *testing.T) {
	err := &OutputMissing{Pattern: "*_imputed.csv", Target: "/output", Tree: "9712345_tree.txt"}
	msg := err.Error()
	for _, part := range []string{"'*_imputed.csv'", "written to '/output'", "9712345_tree.txt"} {
		if !strings.Contains(msg, part) {
			t.Fatalf("expected %q in %q", part, msg)
		}
	}
}
