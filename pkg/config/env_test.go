package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		want         string
	}{
		{name: "returns env value when set", key: "TEST_GET_ENV_SET", envValue: "custom", defaultValue: "default", want: "custom"},
		{name: "returns default when not set", key: "TEST_GET_ENV_UNSET", defaultValue: "fallback", want: "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			} else {
				os.Unsetenv(tt.key)
			}
			if got := GetEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Fatalf("GetEnv(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestIsInsecureDevSecret(t *testing.T) {
	tests := []struct {
		value  string
		unsafe bool
	}{
		{value: "dev-internal-token-change-me", unsafe: true},
		{value: "changeme", unsafe: true},
		{value: "prod-very-strong-random-secret-value", unsafe: false},
		{value: "", unsafe: false},
	}

	for _, tt := range tests {
		if got := IsInsecureDevSecret(tt.value); got != tt.unsafe {
			t.Fatalf("IsInsecureDevSecret(%q) = %v, want %v", tt.value, got, tt.unsafe)
		}
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_GET_ENV_INT_VALID", "42")
	t.Setenv("TEST_GET_ENV_INT_INVALID", "3.14")

	if got := GetEnvInt("TEST_GET_ENV_INT_VALID", 0); got != 42 {
		t.Fatalf("GetEnvInt valid = %d, want 42", got)
	}
	if got := GetEnvInt("TEST_GET_ENV_INT_INVALID", 7); got != 7 {
		t.Fatalf("GetEnvInt invalid = %d, want 7", got)
	}
	if got := GetEnvInt64("TEST_GET_ENV_INT_VALID", 0); got != 42 {
		t.Fatalf("GetEnvInt64 valid = %d, want 42", got)
	}
}

func TestGetEnvBoolAndFloat(t *testing.T) {
	t.Setenv("TEST_GET_ENV_BOOL", "1")
	t.Setenv("TEST_GET_ENV_BOOL_BAD", "yes")
	t.Setenv("TEST_GET_ENV_FLOAT", "0.25")

	if !GetEnvBool("TEST_GET_ENV_BOOL", false) {
		t.Fatalf("expected bool env to parse as true")
	}
	if GetEnvBool("TEST_GET_ENV_BOOL_BAD", false) {
		t.Fatalf("expected invalid bool env to fall back to default")
	}
	if got := GetEnvFloat64("TEST_GET_ENV_FLOAT", 1); got != 0.25 {
		t.Fatalf("GetEnvFloat64 = %f, want 0.25", got)
	}
}

func TestGetEnvDurationAndMillis(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		millis bool
		want   time.Duration
	}{
		{name: "duration string", value: "1h30m", want: 90 * time.Minute},
		{name: "invalid duration", value: "soon", want: time.Second},
		{name: "millis", value: "500", millis: true, want: 500 * time.Millisecond},
		{name: "millis zero kept", value: "0", millis: true, want: 0},
		{name: "invalid millis", value: "1s", millis: true, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_GET_ENV_DUR", tt.value)
			var got time.Duration
			if tt.millis {
				got = GetEnvMillis("TEST_GET_ENV_DUR", time.Second)
			} else {
				got = GetEnvDuration("TEST_GET_ENV_DUR", time.Second)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alpha.yaml")
	if err := os.WriteFile(path, []byte("name: alpha\nport: 8090\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	var out struct {
		Name string `yaml:"name"`
		Port int    `yaml:"port"`
	}
	if err := LoadYAML(path, &out); err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if out.Name != "alpha" || out.Port != 8090 {
		t.Fatalf("unexpected decode: %+v", out)
	}

	if err := LoadYAML("", &out); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}
	if err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"), &out); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
