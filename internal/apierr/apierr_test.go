package apierr

import "testing"

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[int]int{
		CodeAgentNotFound:   404,
		CodeProfileExists:   409,
		CodeProxyRunning:    409,
		CodeValidation:      400,
		CodeScriptError:     500,
		CodeExecutionFailed: 500,
		CodeRegistryError:   500,
		CodeInternal:        500,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%d) = %d, want %d", code, got, want)
		}
	}
}

func TestAsWrapsPlainError(t *testing.T) {
	err := As(errFixture{})
	if err.Code != CodeInternal {
		t.Fatalf("expected internal code, got %d", err.Code)
	}
}

type errFixture struct{}

func (errFixture) Error() string { return "boom" }
