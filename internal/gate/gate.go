// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package gate decides, from a work item's fingerprint, whether the item's
// artifacts already exist. An item whose every required artifact is present
// and well-formed is skipped; anything else is (re)computed.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// ErrNotFound is returned by Store.Read for a missing key.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact persistence capability a Gate needs.
type Store interface {
	// Exists reports whether an artifact is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Read returns the artifact bytes or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write replaces the artifact atomically. Readers see either the old
	// bytes or the new ones, never a prefix.
	Write(ctx context.Context, key string, data []byte) error

	// List returns the stored keys in lexical order.
	List(ctx context.Context) ([]string, error)

	// DeleteAll removes every artifact of the store and returns how many
	// were deleted.
	DeleteAll(ctx context.Context) (int, error)
}

// Validator checks that stored bytes form a complete artifact.
type Validator func(data []byte) error

// NonEmpty rejects empty or whitespace-only artifacts.
func NonEmpty(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("artifact is empty")
	}
	return nil
}

// JSON rejects artifacts that are not valid JSON.
func JSON(data []byte) error {
	if err := NonEmpty(data); err != nil {
		return err
	}
	if !json.Valid(data) {
		return errors.New("artifact is not valid JSON")
	}
	return nil
}

// JSONObject rejects artifacts that are not a non-empty JSON object.
func JSONObject(data []byte) error {
	if err := JSON(data); err != nil {
		return err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("artifact is not a JSON object: %w", err)
	}
	if len(obj) == 0 {
		return errors.New("artifact is an empty JSON object")
	}
	return nil
}

// Requirement is one artifact an item must have to count as done.
type Requirement struct {
	Name     string
	Store    Store
	Validate Validator
}

// Gate checks a fixed set of requirements.
type Gate struct {
	reqs   []Requirement
	logger *slog.Logger
}

// New returns a Gate over reqs. A nil logger discards output.
func New(logger *slog.Logger, reqs ...Requirement) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{reqs: reqs, logger: logger}
}

// Satisfied reports whether every requirement of key is present and valid.
// Store errors and invalid artifacts both count as unsatisfied.
func (g *Gate) Satisfied(ctx context.Context, key string) bool {
	if len(g.reqs) == 0 {
		return false
	}
	for _, r := range g.reqs {
		data, err := r.Store.Read(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				g.logger.Warn("reading artifact", "artifact", r.Name, "key", key, "error", err)
			}
			return false
		}
		if r.Validate != nil {
			if err := r.Validate(data); err != nil {
				g.logger.Debug("artifact present but invalid, recomputing",
					"artifact", r.Name, "key", key, "reason", err)
				return false
			}
		}
	}
	return true
}

// Clean deletes every artifact of every requirement. It returns the number
// of deleted artifacts and all store errors.
func (g *Gate) Clean(ctx context.Context) (int, error) {
	var (
		total int
		errs  *multierror.Error
	)
	for _, r := range g.reqs {
		n, err := r.Store.DeleteAll(ctx)
		total += n
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cleaning %s: %w", r.Name, err))
		}
	}
	if total > 0 {
		g.logger.Info("cleaned previous artifacts", "deleted", total)
	}
	return total, errs.ErrorOrNil()
}
