package rules

import (
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/iofault/pkg/api"
)

func TestEvaluateFirstMatchWins(t *testing.T) {
	engine, err := NewEngine([]api.FaultRule{
		{Name: "slow-logs", Ops: []string{"write"}, Path: "/logs/*.log", Fault: "delay", Delay: "2s"},
		{Name: "all-writes", Ops: []string{"write"}, Fault: "error", Errno: "ENOSPC"},
	})
	require.NoError(t, err)

	d := engine.Evaluate(Op{Kind: OpWrite, Path: "/logs/out.log"})
	assert.Equal(t, DecisionDelay, d.Kind)
	assert.Equal(t, 2*time.Second, d.Delay)
	assert.Equal(t, "slow-logs", d.Rule)

	d = engine.Evaluate(Op{Kind: OpWrite, Path: "/data/out.bin"})
	assert.Equal(t, DecisionFail, d.Kind)
	assert.Equal(t, syscall.ENOSPC, d.Errno)

	d = engine.Evaluate(Op{Kind: OpRead, Path: "/logs/out.log"})
	assert.Equal(t, DecisionPassthrough, d.Kind)
}

func TestEvaluateDeterministic(t *testing.T) {
	engine, err := NewEngine([]api.FaultRule{
		{Ops: []string{"read"}, Path: "/a/**", Fault: "error", Errno: "EIO"},
		{Ops: []string{"read"}, Fault: "delay", Delay: "10ms"},
	})
	require.NoError(t, err)

	ops := []Op{
		{Kind: OpRead, Path: "/a/b/c"},
		{Kind: OpRead, Path: "/z"},
		{Kind: OpGetattr, Path: "/a/b/c"},
	}
	for _, op := range ops {
		first := engine.Evaluate(op)
		for i := 0; i < 100; i++ {
			assert.Equal(t, first, engine.Evaluate(op))
		}
	}
}

func TestEvaluateEmptySelectorsMatchEverything(t *testing.T) {
	engine, err := NewEngine([]api.FaultRule{
		{Fault: "error", Errno: "EACCES"},
	})
	require.NoError(t, err)

	for _, kind := range []OpKind{OpRead, OpWrite, OpGetattr, OpReaddir, OpUnlink} {
		d := engine.Evaluate(Op{Kind: kind, Path: "/anything"})
		assert.Equal(t, DecisionFail, d.Kind)
	}
}

func TestNewEngineUnknownFault(t *testing.T) {
	_, err := NewEngine([]api.FaultRule{{Fault: "explode"}})
	require.ErrorIs(t, err, ErrParseRules)
	require.ErrorIs(t, err, ErrUnknownFault)
}

func TestNewEngineUnknownOp(t *testing.T) {
	_, err := NewEngine([]api.FaultRule{{Ops: []string{"mmap"}, Fault: "delay", Delay: "1s"}})
	require.ErrorIs(t, err, ErrUnknownOp)
}

func TestNewEngineBadParams(t *testing.T) {
	cases := []struct {
		name string
		rule api.FaultRule
		want error
	}{
		{"zero delay", api.FaultRule{Fault: "delay", Delay: "0s"}, ErrBadDelay},
		{"missing delay", api.FaultRule{Fault: "delay"}, ErrBadDelay},
		{"bad errno", api.FaultRule{Fault: "error", Errno: "EWHAT"}, ErrBadErrno},
		{"negative errno", api.FaultRule{Fault: "error", Errno: "-5"}, ErrBadErrno},
		{"missing corrupt", api.FaultRule{Fault: "corrupt"}, ErrBadCorruptSpec},
		{"bad corrupt mode", api.FaultRule{Fault: "corrupt", Corrupt: &api.CorruptSpec{Mode: "scramble"}}, ErrBadCorruptSpec},
		{"bad pattern hex", api.FaultRule{Fault: "corrupt", Corrupt: &api.CorruptSpec{Mode: "pattern", Pattern: "zz"}}, ErrBadCorruptSpec},
		{"zero throttle", api.FaultRule{Fault: "throttle"}, ErrBadThrottleRate},
		{"bad glob", api.FaultRule{Path: "[", Fault: "delay", Delay: "1s"}, ErrBadPathPattern},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine([]api.FaultRule{tc.rule})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNumericErrno(t *testing.T) {
	engine, err := NewEngine([]api.FaultRule{{Fault: "error", Errno: "5"}})
	require.NoError(t, err)
	d := engine.Evaluate(Op{Kind: OpRead, Path: "/x"})
	assert.Equal(t, syscall.EIO, d.Errno)
}

func TestThrottleSharesLimiter(t *testing.T) {
	engine, err := NewEngine([]api.FaultRule{
		{Ops: []string{"read", "write"}, Fault: "throttle", BytesPerSec: 1024},
	})
	require.NoError(t, err)

	a := engine.Evaluate(Op{Kind: OpRead, Path: "/x"})
	b := engine.Evaluate(Op{Kind: OpWrite, Path: "/y"})
	require.Equal(t, DecisionThrottle, a.Kind)
	require.NotNil(t, a.Limiter)
	assert.Same(t, a.Limiter, b.Limiter)
}

func TestCorruptionApply(t *testing.T) {
	payload := func() []byte { return []byte{0x00, 0xff, 0x10, 0x20} }

	flipped := (&Corruption{Mode: CorruptFlip}).Apply(payload())
	assert.Equal(t, []byte{0xff, 0x00, 0xef, 0xdf}, flipped)

	zeroed := (&Corruption{Mode: CorruptZero, Length: 2}).Apply(payload())
	assert.Equal(t, []byte{0x00, 0x00, 0x10, 0x20}, zeroed)

	patterned := (&Corruption{Mode: CorruptPattern, Pattern: []byte{0xde, 0xad}}).Apply(payload())
	assert.Equal(t, []byte{0xde, 0xad, 0xde, 0xad}, patterned)

	truncated := (&Corruption{Mode: CorruptTruncate, Length: 1}).Apply(payload())
	assert.Equal(t, []byte{0x00}, truncated)

	emptied := (&Corruption{Mode: CorruptTruncate}).Apply(payload())
	assert.Empty(t, emptied)

	assert.Empty(t, (&Corruption{Mode: CorruptFlip}).Apply(nil))
}

func TestParseStrict(t *testing.T) {
	doc := `
rules:
  - ops: [write]
    path: "/data/*.log"
    fault: delay
    delay: 2s
`
	ruleList, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, ruleList, 1)
	assert.Equal(t, "delay", ruleList[0].Fault)

	_, err = Parse(strings.NewReader("rules: []\nextra: true\n"))
	require.ErrorIs(t, err, ErrParseRules)

	_, err = Parse(strings.NewReader("rules:\n  - fault: delay\n    wait: 2s\n"))
	require.ErrorIs(t, err, ErrParseRules)
}

func TestParseEmpty(t *testing.T) {
	ruleList, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, ruleList)
}

func TestLoadEndToEnd(t *testing.T) {
	doc := `
rules:
  - name: corrupt-reads
    ops: [read]
    path: "/blobs/**"
    fault: corrupt
    corrupt:
      mode: pattern
      pattern: deadbeef
      length: 128
  - name: throttle-everything
    ops: [read, write]
    fault: throttle
    bytes_per_sec: 65536
`
	engine, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 2, engine.Len())

	d := engine.Evaluate(Op{Kind: OpRead, Path: "/blobs/a/b"})
	require.Equal(t, DecisionCorrupt, d.Kind)
	require.NotNil(t, d.Corrupt)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, d.Corrupt.Pattern)
	assert.Equal(t, int64(128), d.Corrupt.Length)
}
