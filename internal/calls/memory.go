package calls

import (
	"context"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/pipecat"
)

const memoryMeta = "The following are transcript turns from this caller's " +
	"previous call with you. Use them as context to continue the conversation " +
	"naturally. Do not mention that transcripts are stored or that you have " +
	"records of prior calls."

// MemoryConfig bounds the returning-caller digest.
type MemoryConfig struct {
	Enabled            bool
	MaxCalls           int
	MaxMessages        int
	MaxCharsPerMessage int
	MaxDays            int
}

// MemoryBuilder assembles a bounded digest of a returning caller's prior
// transcript turns for injection into a new session.
type MemoryBuilder struct {
	repo *Repository
	cfg  MemoryConfig
}

func NewMemoryBuilder(repo *Repository, cfg MemoryConfig) *MemoryBuilder {
	return &MemoryBuilder{repo: repo, cfg: cfg}
}

// Build returns the caller memory for a new call, or nil when disabled, the
// caller is unknown, or no prior call has transcript turns.
func (b *MemoryBuilder) Build(ctx context.Context, userID uuid.UUID, agentID *uuid.UUID,
	fromNumber, excludeCallDomain, excludeCallID string) (*pipecat.CallerMemory, error) {
	if !b.cfg.Enabled {
		return nil, nil
	}
	fromDigits := billing.DigitsOnly(fromNumber)
	if fromDigits == "" {
		return nil, nil
	}

	prior, err := b.repo.ListRecentByCaller(ctx, userID, agentID, fromDigits,
		excludeCallDomain, excludeCallID, b.cfg.MaxDays, b.cfg.MaxCalls)
	if err != nil {
		return nil, err
	}

	// Newest prior call with any transcript wins.
	for i := range prior {
		c := &prior[i]
		has, err := b.repo.HasMessages(ctx, c.CallDomain, c.CallID)
		if err != nil {
			return nil, err
		}
		if !has {
			continue
		}
		msgs, err := b.repo.ListMessages(ctx, c.CallDomain, c.CallID, b.cfg.MaxMessages)
		if err != nil {
			return nil, err
		}
		// ListMessages is newest-first; replay oldest-first.
		turns := make([]pipecat.MemoryTurn, 0, len(msgs))
		for j := len(msgs) - 1; j >= 0; j-- {
			turns = append(turns, pipecat.MemoryTurn{
				Role:    msgs[j].Role,
				Content: trimContent(msgs[j].Content, b.cfg.MaxCharsPerMessage),
			})
		}
		return &pipecat.CallerMemory{Meta: memoryMeta, Messages: turns}, nil
	}
	return nil, nil
}

// trimContent caps a turn at max bytes without cutting through a rune.
func trimContent(content string, max int) string {
	if max <= 0 || len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
