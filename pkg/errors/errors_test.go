package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	assert.Nil(t, WithContext(nil, "ignored"))

	err := WithContext(WithContext(New("permission denied"), "open"), "place")
	assert.EqualError(t, err, "place: open: permission denied")
	assert.Equal(t, New("permission denied"), RootCause(err))
}

func TestGetPrintableMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "PlainError",
			err:  WithContext(New("boom"), "run"),
			exp:  "run: boom",
		},
		{
			name: "FriendlyErrorWithContext",
			err:  WithContext(NewFriendlyError("Please set %s", "mirrors"), "parse"),
			exp:  "Please set mirrors",
		},
		{
			name: "ChannelUnavailable",
			err: WithContext(&PrivilegedChannelUnavailableError{
				Rejected: map[string]string{"root": "su failed"},
			}, "select channel"),
			exp: "The destination directory can't be accessed.\n" +
				"Grant direct access, start the proxy or broker, or make a root " +
				"shell available, then try again.\n\n" +
				"no privileged channel available: root (su failed)",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, GetPrintableMessage(test.err))
		})
	}
}

func TestMarshal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  error
	}{
		{
			name: "Nil",
			err:  nil,
			exp:  nil,
		},
		{
			name: "NotFound",
			err:  WithContext(FileNotFound{Path: "a/b"}, "stat"),
			exp:  FileNotFound{Path: "a/b"},
		},
		{
			name: "Friendly",
			err:  NewFriendlyError("read only"),
			exp:  FriendlyError{"read only"},
		},
		{
			name: "Plain",
			err:  WithContext(New("disk full"), "write"),
			exp:  New("write: disk full"),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, Unmarshal(nil, Marshal(test.err)))
		})
	}

	transportErr := New("connection refused")
	assert.Equal(t, transportErr, Unmarshal(transportErr, Marshal(New("ignored"))))
}

func TestTypedErrors(t *testing.T) {
	transport := &TransportError{URL: "http://m/a", StatusCode: 404}
	assert.EqualError(t, transport, "GET http://m/a: unexpected status 404")

	cause := New("timeout")
	wrapped := WithContext(&TransportError{URL: "http://m/a", Err: cause}, "download")
	assert.True(t, Is(wrapped, cause))

	var placement *PlacementError
	assert.True(t, As(WithContext(&PlacementError{Path: "p", Dest: "d", Err: cause}, "x"), &placement))
	assert.Equal(t, "d", placement.Dest)

	mismatch := &IntegrityMismatchError{Path: "a", URL: "u", ExpCRC: 1, ActualCRC: 2,
		ExpSize: 3, ActualSize: 4}
	assert.EqualError(t, mismatch, "integrity mismatch for a from u: "+
		"expected crc 1 and size 3, got crc 2 and size 4")
}
