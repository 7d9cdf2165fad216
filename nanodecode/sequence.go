package nanodecode

import "sync/atomic"

// SequenceStatus represents the decode state of a sequence
type SequenceStatus int

const (
	StatusPrefill SequenceStatus = iota
	StatusDecode
	StatusStopped
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusPrefill:
		return "prefill"
	case StatusDecode:
		return "decode"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records why a sequence stopped
type StopReason int

const (
	StopReasonNone StopReason = iota
	StopReasonStopToken
	StopReasonMaxTokens
)

func (r StopReason) String() string {
	switch r {
	case StopReasonStopToken:
		return "stop_token"
	case StopReasonMaxTokens:
		return "max_tokens"
	default:
		return "none"
	}
}

// Sequence represents a single batch row being generated
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	StopReason      StopReason
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	NumCachedTokens int
	MaxTokens       int

	params *SamplingParams
}

var seqCounter int64 = 0

// NewSequence creates a new sequence from token IDs and sampling parameters
func NewSequence(tokenIDs []int, samplingParams *SamplingParams) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	// Make a copy of token IDs
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	return &Sequence{
		SeqID:           seqID,
		Status:          StatusPrefill,
		TokenIDs:        tokens,
		LastToken:       tokenIDs[len(tokenIDs)-1],
		NumTokens:       len(tokenIDs),
		NumPromptTokens: len(tokenIDs),
		MaxTokens:       samplingParams.MaxTokens,
		params:          samplingParams,
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has stopped generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusStopped
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}

// stop moves the sequence to its terminal state
func (s *Sequence) stop(reason StopReason) {
	s.Status = StatusStopped
	s.StopReason = reason
}
