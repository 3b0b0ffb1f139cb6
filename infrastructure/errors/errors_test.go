package errors

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error without underlying error",
			err:  Group("group (%s) does not exist", "g1"),
			want: "[GROUP] group (g1) does not exist",
		},
		{
			name: "error with underlying error",
			err:  Persistence(errors.New("connection refused"), "fetch group"),
			want: "[PERSISTENCE] fetch group: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Persistence(underlying, "exec statement")

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(Timeout("probe exceeded %s", "3s")); got != KindTimeout {
		t.Errorf("KindOf() = %v, want %v", got, KindTimeout)
	}

	wrapped := Wrap(KindProcedure, Server("bad address"), "running job")
	if got := KindOf(wrapped); got != KindProcedure {
		t.Errorf("KindOf() = %v, want %v", got, KindProcedure)
	}

	if got := KindOf(errors.New("plain")); got != Kind("") {
		t.Errorf("KindOf(plain) = %v, want empty", got)
	}
}

func TestIs(t *testing.T) {
	err := NotCallable("action (%s) not registered", "promote")
	if !Is(err, KindNotCallable) {
		t.Error("Is() = false, want true")
	}
	if Is(err, KindLock) {
		t.Error("Is() matched wrong kind")
	}
}
