package utils

import (
	"os"
	"reflect"
	"testing"
)

func TestSafeEnv(t *testing.T) {
	const key = "_CASESVC_TEST_SAFEENV"
	os.Unsetenv(key)
	if got := SafeEnv(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv(key, "value")
	if got := SafeEnv(key, "fallback"); got != "value" {
		t.Fatalf("expected 'value', got %q", got)
	}
}

func TestSafeEnvInt(t *testing.T) {
	const key = "_CASESVC_TEST_SAFEENV_INT"
	t.Setenv(key, "")
	if got, err := SafeEnvInt(key, 7); err != nil || got != 7 {
		t.Fatalf("expected fallback, got %d, %v", got, err)
	}
	t.Setenv(key, " 42 ")
	if got, err := SafeEnvInt(key, 7); err != nil || got != 42 {
		t.Fatalf("expected 42, got %d, %v", got, err)
	}
	t.Setenv(key, "many")
	got, err := SafeEnvInt(key, 7)
	if err == nil {
		t.Fatalf("expected error for malformed value")
	}
	if got != 7 {
		t.Fatalf("expected fallback for malformed value, got %d", got)
	}
}

func TestSafeEnvList(t *testing.T) {
	const key = "_CASESVC_TEST_SAFEENV_LIST"
	t.Setenv(key, "kafka-1:9092, ,kafka-2:9092")
	want := []string{"kafka-1:9092", "kafka-2:9092"}
	if got := SafeEnvList(key, nil); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	t.Setenv(key, " , ")
	if got := SafeEnvList(key, []string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("expected fallback, got %v", got)
	}
}
