package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/model"
)

// BlockRegistry is the subset of the block registry a Chain needs.
type BlockRegistry interface {
	IsBlocked(ctx context.Context, id string) bool
	Block(ctx context.Context, id string, until *time.Time, status int, reason string) error
}

// Chain tries member adapters in priority order against one document. Each
// member is asked only for keys still missing, so earlier members win.
// A Chain is itself an Adapter.
type Chain struct {
	id      string
	members []Adapter
	blocks  BlockRegistry
}

// NewChain creates a Chain. blocks may be nil.
func NewChain(id string, blocks BlockRegistry, members ...Adapter) *Chain {
	return &Chain{id: id, members: members, blocks: blocks}
}

// ID implements Adapter.
func (c *Chain) ID() string { return c.id }

// SupportedKeys returns the union of member keys in member order.
func (c *Chain) SupportedKeys() []model.Key {
	seen := make(map[model.Key]bool)
	var out []model.Key
	for _, m := range c.members {
		for _, k := range m.SupportedKeys() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Adapt implements Adapter. Blocked members are skipped. A member returning
// a block signal is recorded in the block registry. Member failures become
// notes joined into ParseError.
func (c *Chain) Adapt(ctx context.Context, fr *model.FetchResult, keys []model.Key, ticker string) (*model.AdaptResult, error) {
	result := model.NewAdaptResult()
	missing := dedupe(keys)
	var notes []string

	for _, m := range c.members {
		if len(missing) == 0 {
			break
		}
		if c.blocks != nil && c.blocks.IsBlocked(ctx, m.ID()) {
			zap.L().Debug("adapter: chain member blocked, skipping",
				zap.String("chain", c.id),
				zap.String("adapter", m.ID()),
			)
			continue
		}
		want := Intersect(m, missing)
		if len(want) == 0 {
			continue
		}

		res, err := Run(ctx, m, fr, want, ticker)
		if err != nil {
			var be *model.BlockedError
			if errors.As(err, &be) {
				notes = append(notes, fmt.Sprintf("[%s] Blocked: %s", m.ID(), be.Error()))
				c.recordBlock(ctx, m.ID(), be)
				continue
			}
			notes = append(notes, fmt.Sprintf("[%s] Error: %s", m.ID(), err.Error()))
			zap.L().Debug("adapter: chain member failed, trying next",
				zap.String("chain", c.id),
				zap.String("adapter", m.ID()),
				zap.Error(err),
			)
			continue
		}

		for _, e := range res.Extractions {
			result.AddExtraction(e)
		}
		for _, h := range res.Historical {
			result.AddHistorical(h)
		}
		missing = remaining(missing, result)
	}

	result.NotFound = missing
	result.ParseError = strings.Join(notes, "; ")
	return result, nil
}

func (c *Chain) recordBlock(ctx context.Context, id string, be *model.BlockedError) {
	if c.blocks == nil {
		return
	}
	if err := c.blocks.Block(ctx, id, be.RetryAfter, be.StatusCode, be.Error()); err != nil {
		zap.L().Warn("adapter: failed to record block",
			zap.String("adapter", id),
			zap.Error(err),
		)
	}
}

func dedupe(keys []model.Key) []model.Key {
	seen := make(map[model.Key]bool, len(keys))
	out := make([]model.Key, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func remaining(keys []model.Key, r *model.AdaptResult) []model.Key {
	var out []model.Key
	for _, k := range keys {
		if !r.Has(k) {
			out = append(out, k)
		}
	}
	return out
}
