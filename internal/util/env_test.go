package util

import (
	"reflect"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if got := GetEnv("TEST_STRING", "fallback"); got != "hello" {
		t.Errorf("GetEnv = %q, want hello", got)
	}
	if got := GetEnv("TEST_STRING_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnv = %q, want fallback", got)
	}
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("TEST_INT64", "1000")
	if got := GetEnvInt64("TEST_INT64", 5); got != 1000 {
		t.Errorf("GetEnvInt64 = %d, want 1000", got)
	}

	t.Setenv("TEST_INT64_BAD", "not-a-number")
	if got := GetEnvInt64("TEST_INT64_BAD", 5); got != 5 {
		t.Errorf("GetEnvInt64 = %d, want default 5 for malformed value", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !GetEnvBool("TEST_BOOL", false) {
		t.Error("GetEnvBool = false, want true")
	}
	t.Setenv("TEST_BOOL_BAD", "yep")
	if GetEnvBool("TEST_BOOL_BAD", false) {
		t.Error("GetEnvBool = true, want default false for malformed value")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "200ms")
	if got := GetEnvDuration("TEST_DURATION", time.Second); got != 200*time.Millisecond {
		t.Errorf("GetEnvDuration = %s, want 200ms", got)
	}
	if got := GetEnvDuration("TEST_DURATION_UNSET", time.Minute); got != time.Minute {
		t.Errorf("GetEnvDuration = %s, want default 1m", got)
	}
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("TEST_SLICE", "a, b ,c,,")
	want := []string{"a", "b", "c"}
	if got := GetEnvSlice("TEST_SLICE", nil); !reflect.DeepEqual(got, want) {
		t.Errorf("GetEnvSlice = %v, want %v", got, want)
	}

	fallback := []string{"localhost:9042"}
	if got := GetEnvSlice("TEST_SLICE_UNSET", fallback); !reflect.DeepEqual(got, fallback) {
		t.Errorf("GetEnvSlice = %v, want %v", got, fallback)
	}
}
