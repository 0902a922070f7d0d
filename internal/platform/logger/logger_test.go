package logger

import "testing"

func TestSanitizeValueRedactsSecrets(t *testing.T) {
	if got := sanitizeValue("neo4j_password", "hunter2"); got != "[REDACTED]" {
		t.Fatalf("password: want=%q got=%v", "[REDACTED]", got)
	}
	if got := sanitizeValue("stage", "countries"); got != "countries" {
		t.Fatalf("stage: want=%q got=%v", "countries", got)
	}
}

func TestStripCredentials(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"postgres://kg:s3cret@db:5432/trade", "postgres://kg:xxxxx@db:5432/trade"},
		{"bolt://localhost:7687", "bolt://localhost:7687"},
		{"../data/panipuri.duckdb", "../data/panipuri.duckdb"},
		{"redis://user@cache:6379", "redis://user@cache:6379"},
	}
	for _, tc := range cases {
		if got := StripCredentials(tc.in); got != tc.want {
			t.Fatalf("StripCredentials(%q): want=%q got=%q", tc.in, tc.want, got)
		}
	}
}

func TestSanitizeValueStripsLocatorCredentials(t *testing.T) {
	got := sanitizeValue("source_dsn", "postgres://kg:s3cret@db/trade")
	if got != "postgres://kg:xxxxx@db/trade" {
		t.Fatalf("source_dsn: got=%v", got)
	}
}
