package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromptYesOrNo(t *testing.T) {
	tests := []struct {
		name  string
		input string
		exp   bool
	}{
		{name: "Yes", input: "y\n", exp: true},
		{name: "FullYes", input: "YES\n", exp: true},
		{name: "No", input: "n\n", exp: false},
		{name: "Empty", input: "\n", exp: false},
		{name: "NoNewline", input: "y", exp: true},
		{name: "EOF", input: "", exp: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			stdin = strings.NewReader(test.input)
			resp, err := PromptYesOrNo("Continue?")
			assert.NoError(t, err)
			assert.Equal(t, test.exp, resp)
		})
	}
}

func TestHandlePanic(t *testing.T) {
	var exitCode int
	exit = func(code int) { exitCode = code }

	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, 1, exitCode)
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	pp := NewProgressPrinter(&out, "Working..")
	done := make(chan struct{})
	go func() {
		pp.Run()
		close(done)
	}()

	pp.StopWithPrint(ClearProgress)
	<-done
	assert.True(t, strings.HasPrefix(out.String(), "Working.."))
	assert.True(t, strings.HasSuffix(out.String(), ClearProgress))
}
