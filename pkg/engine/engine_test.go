package engine_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("connection refused")
	cases := []struct {
		name string
		err  *engine.Error
		want []string
	}{
		{
			name: "status and cause",
			err:  &engine.Error{Op: "whisper: inference", Status: 500, Err: cause},
			want: []string{"whisper: inference", "500", "connection refused"},
		},
		{
			name: "status only",
			err:  &engine.Error{Op: "whisper: inference", Status: 503},
			want: []string{"whisper: inference", "503"},
		},
		{
			name: "cause only",
			err:  &engine.Error{Op: "openai: transcribe", Err: cause},
			want: []string{"openai: transcribe", "connection refused"},
		},
		{
			name: "op only",
			err:  &engine.Error{Op: "mock: transcribe"},
			want: []string{"mock: transcribe"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.err.Error()
			for _, want := range tc.want {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want it to contain %q", msg, want)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &engine.Error{Op: "whisper: inference", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find the wrapped cause")
	}
}
