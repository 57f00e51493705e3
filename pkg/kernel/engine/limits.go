package engine

import "time"

// RegexFlag mirrors a subset of Python's re module flags, the allowed set
// for $regex_* constructs' optional "flags" argument.
type RegexFlag int

const (
	RegexIgnoreCase RegexFlag = 1 << iota
	RegexMultiline
	RegexDotAll
	RegexVerbose
	RegexASCII
)

// DefaultRegexAllowedFlags matches spec.md §5's default allow-list.
const DefaultRegexAllowedFlags = RegexIgnoreCase | RegexMultiline | RegexDotAll | RegexVerbose | RegexASCII

// Limits holds every cooperative resource bound named in spec.md §5, with
// the exact defaults given there (ported from the per-construct factory
// defaults in handlers/constructs.py and the loop/function caps described
// in spec.md's own prose, since the Python source leaves those two as
// engine-level, not per-handler, knobs).
type Limits struct {
	MaxOperations             int
	ValueMaxDepth             int
	MaxFunctionRecursionDepth int
	MaxLoopIterations         int
	MaxForeachItems           int

	RegexTimeout      time.Duration
	RegexAllowedFlags RegexFlag

	PowMaxBase     float64
	PowMaxExponent float64

	MulMaxStringResult int
	MulMaxOperand      float64

	AddMaxNumberResult float64
	AddMaxStringResult int
	SubMaxNumberResult float64

	StrMaxSplitResults int
	StrMaxJoinResult   int
	StrMaxReplaceResult int
}

// DefaultLimits returns the spec.md §5 default limit values.
func DefaultLimits() Limits {
	return Limits{
		MaxOperations:             1_000_000,
		ValueMaxDepth:             50,
		MaxFunctionRecursionDepth: 100,
		MaxLoopIterations:         10_000,
		MaxForeachItems:           100_000,

		RegexTimeout:      2 * time.Second,
		RegexAllowedFlags: DefaultRegexAllowedFlags,

		PowMaxBase:     1e6,
		PowMaxExponent: 1000,

		MulMaxStringResult: 1_000_000,
		MulMaxOperand:      1e9,

		AddMaxNumberResult: 1e15,
		AddMaxStringResult: 100_000_000,
		SubMaxNumberResult: 1e15,

		StrMaxSplitResults:  100_000,
		StrMaxJoinResult:    10_000_000,
		StrMaxReplaceResult: 10_000_000,
	}
}
