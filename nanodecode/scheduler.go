package nanodecode

import (
	"fmt"

	"nano-decode-go/purego/tensor"
)

// Scheduler steps a batch of sequences through prefill and decode in
// lockstep. Every row shares the same cache cursor.
type Scheduler struct {
	seqs     []*Sequence
	curPos   int
	prefill  bool
	lastFeed int
}

// NewScheduler creates a scheduler whose prefill starts at startPos.
// Positions before startPos must already hold the prompts' keys and values.
func NewScheduler(seqs []*Sequence, startPos int) (*Scheduler, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: no sequences to schedule", tensor.ErrConfiguration)
	}

	promptLen := seqs[0].NumPromptTokens
	for i, seq := range seqs {
		if seq.NumPromptTokens != promptLen {
			return nil, fmt.Errorf("%w: prompt %d has %d tokens, prompt 0 has %d; batched prompts must share a length",
				tensor.ErrConfiguration, i, seq.NumPromptTokens, promptLen)
		}
	}
	if startPos < 0 || startPos >= promptLen {
		return nil, fmt.Errorf("%w: prefill start %d outside prompt of %d tokens", tensor.ErrConfiguration, startPos, promptLen)
	}

	for _, seq := range seqs {
		seq.NumCachedTokens = startPos
	}

	return &Scheduler{
		seqs:    seqs,
		curPos:  startPos,
		prefill: true,
	}, nil
}

// IsFinished returns true once every row has stopped
func (s *Scheduler) IsFinished() bool {
	for _, seq := range s.seqs {
		if !seq.IsFinished() {
			return false
		}
	}
	return true
}

// CurPos returns the next cache position to be written. Every position
// before it holds valid keys and values.
func (s *Scheduler) CurPos() int {
	return s.curPos
}

// Schedule returns the tokens to feed at CurPos and whether this is the
// prefill step. Rows that already stopped are fed their last token so the
// batch stays rectangular.
func (s *Scheduler) Schedule() ([][]int, bool) {
	tokens := make([][]int, len(s.seqs))
	if s.prefill {
		for i, seq := range s.seqs {
			tokens[i] = seq.TokenIDs[s.curPos:seq.NumPromptTokens]
		}
		s.lastFeed = len(tokens[0])
		return tokens, true
	}

	for i, seq := range s.seqs {
		tokens[i] = []int{seq.LastToken}
	}
	s.lastFeed = 1
	return tokens, false
}

// Postprocess records the sampled token of each row after a forward pass
// has written the scheduled tokens into the cache
func (s *Scheduler) Postprocess(tokenIDs []int) {
	s.curPos += s.lastFeed
	s.prefill = false

	for i, seq := range s.seqs {
		seq.NumCachedTokens = s.curPos
		if seq.IsFinished() {
			continue
		}

		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		switch {
		case seq.params.IsStopToken(tokenID):
			seq.stop(StopReasonStopToken)
		case seq.NumCompletionTokens() >= seq.MaxTokens:
			seq.stop(StopReasonMaxTokens)
		default:
			seq.Status = StatusDecode
		}
	}
}
