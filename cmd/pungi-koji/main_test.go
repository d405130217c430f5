package main_test

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	main "github.com/osbuild/pungi/cmd/pungi-koji"
)

func TestCatchesPanic(t *testing.T) {
	restore := main.MockRun(func() {
		var variants map[string]int
		variants["Server"]++
	})
	defer restore()

	var exitCalls []int
	logrus.StandardLogger().ExitFunc = func(exitCode int) {
		exitCalls = append(exitCalls, exitCode)
	}
	logrus.SetOutput(io.Discard)
	_, hook := logrusTest.NewNullLogger()
	logrus.AddHook(hook)

	main.Main()
	assert.Equal(t, logrus.FatalLevel, hook.LastEntry().Level)
	msg := hook.LastEntry().Message
	assert.Contains(t, msg, "pungi-koji crashed: assignment to entry in nil map")
	assert.Contains(t, msg, "runtime/debug.Stack()")
	assert.Contains(t, msg, "pungi-koji_test.TestCatchesPanic.func1()")

	assert.Equal(t, []int{1}, exitCalls)
}
