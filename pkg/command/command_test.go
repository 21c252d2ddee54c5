package command_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xec-sh/xec-sub005/pkg/command"
)

func TestQuote_ClosesEscapesAndReopensEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, command.Quote("it's"))
}

func TestQuoteArgv_JoinsEachArgumentIndividuallyQuoted(t *testing.T) {
	got := command.QuoteArgv([]string{"echo", "a b", "c"})
	assert.Equal(t, command.Quote("echo")+" "+command.Quote("a b")+" "+command.Quote("c"), got)
}

func TestWithEnv_MergesOverExistingOverlayCallerWins(t *testing.T) {
	c := command.New("x").WithEnv(map[string]string{"A": "1", "B": "2"}).WithEnv(map[string]string{"B": "3"})
	assert.Equal(t, "1", c.Environment["A"])
	assert.Equal(t, "3", c.Environment["B"])
}

func TestWithEnv_DoesNotMutateAncestorCommand(t *testing.T) {
	base := command.New("x").WithEnv(map[string]string{"A": "1"})
	_ = base.WithEnv(map[string]string{"A": "2"})
	assert.Equal(t, "1", base.Environment["A"])
}

func TestFromArgv_DisablesShellAndRejectsEmptyArgv(t *testing.T) {
	c := command.FromArgv("echo", "hi")
	assert.Equal(t, command.ShellDisabled, c.ShellMode)
	assert.Panics(t, func() { command.FromArgv() })
}

func TestString_PrefersProgramStringOverArgv(t *testing.T) {
	c := command.New("echo hi")
	assert.Equal(t, "echo hi", c.String())

	argv := command.FromArgv("echo", "a b")
	assert.Equal(t, "echo "+command.Quote("a b"), argv.String())
}

func TestWithTimeout_SetsTimeoutField(t *testing.T) {
	c := command.New("x").WithTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout)
}

func TestWithNoThrow_SetsSuppressThrow(t *testing.T) {
	c := command.New("x").WithNoThrow()
	assert.True(t, c.SuppressThrow)
}

func TestExitStatus_OkRequiresNoSignalAndZeroCode(t *testing.T) {
	assert.True(t, command.ExitStatus{Code: 0}.Ok())
	assert.False(t, command.ExitStatus{Code: 1}.Ok())
	assert.False(t, command.ExitStatus{Code: 0, Signaled: true}.Ok())
}

func TestResult_DurationComputesFromStartAndEnd(t *testing.T) {
	start := time.Now()
	r := command.Result{StartedAt: start, EndedAt: start.Add(2 * time.Second)}
	assert.Equal(t, 2*time.Second, r.Duration())
}
