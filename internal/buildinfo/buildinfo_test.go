package buildinfo

import "testing"

func TestInfoPrefersStampedValues(t *testing.T) {
	old := Commit
	defer func() { Commit = old }()
	Commit = "abc123"
	info := Info()
	if info["commit"] != "abc123" || info["version"] == "" {
		t.Fatalf("unexpected info: %v", info)
	}
}
