// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldworks/go-formsync/formsync"
)

// Answer map keys reserved by the migration.
const (
	// MigratedKey marks a response payload already in the nested shape.
	MigratedKey = "_migrated"
	// ParentValueKey preserves a parent question's own scalar answer when
	// conditional answers get nested under it.
	ParentValueKey = "_parentValue"
)

// FormResolver loads a form definition for migration.
type FormResolver interface {
	ResolveForm(ctx context.Context, formID string) (*formsync.FormDefinition, error)
}

// Migrator rewrites legacy form response payloads. The legacy shape stored
// conditional-question answers as top-level keys; the current shape nests
// them under their parent question's key. Migration is one-shot (guarded by
// the _migrated marker) and never drops data: when a parent already holds a
// scalar answer, the scalar is preserved under _parentValue.
type Migrator struct {
	resolver FormResolver
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*formsync.FormDefinition
}

// NewMigrator creates a migrator resolving form definitions through resolver.
func NewMigrator(resolver FormResolver, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		resolver: resolver,
		logger:   logger,
		cache:    make(map[string]*formsync.FormDefinition),
	}
}

// CacheForm primes the local definition cache, avoiding a remote fetch.
func (m *Migrator) CacheForm(form *formsync.FormDefinition) {
	m.mu.Lock()
	m.cache[form.ID] = form
	m.mu.Unlock()
}

// MigrateResponse returns the payload in the current nested shape. The input
// is never mutated. On any failure (unresolvable form, bad shape) the
// original payload is returned unchanged: a known-legacy shape beats data
// loss.
func (m *Migrator) MigrateResponse(ctx context.Context, p *formsync.FormResponsePayload) *formsync.FormResponsePayload {
	if p == nil || p.Answers == nil {
		return p
	}
	if migrated, ok := p.Answers[MigratedKey].(bool); ok && migrated {
		return p
	}

	form, err := m.resolveForm(ctx, p.FormID)
	if err != nil {
		m.logger.Warn("Cannot resolve form for migration, leaving payload unchanged",
			"form_id", p.FormID, "error", err)
		return p
	}

	parentOf := conditionalParents(form)

	out := *p
	out.Answers = make(map[string]any, len(p.Answers))

	// First pass: carry over every non-legacy answer.
	for key, value := range p.Answers {
		if _, isConditional := parentOf[key]; !isConditional {
			out.Answers[key] = value
		}
	}

	// Second pass: fold each legacy conditional answer into its parent.
	for key, value := range p.Answers {
		parentID, isConditional := parentOf[key]
		if !isConditional {
			continue
		}
		existing, has := out.Answers[parentID]
		switch {
		case !has || existing == nil:
			out.Answers[parentID] = map[string]any{key: value}
		default:
			if nested, ok := existing.(map[string]any); ok {
				merged := make(map[string]any, len(nested)+1)
				for k, v := range nested {
					merged[k] = v
				}
				merged[key] = value
				out.Answers[parentID] = merged
			} else {
				// Parent holds its own scalar answer; keep it.
				out.Answers[parentID] = map[string]any{
					ParentValueKey: existing,
					key:            value,
				}
			}
		}
	}

	out.Answers[MigratedKey] = true
	return &out
}

// resolveForm checks the local cache, then fetches remotely.
func (m *Migrator) resolveForm(ctx context.Context, formID string) (*formsync.FormDefinition, error) {
	m.mu.Lock()
	form, ok := m.cache[formID]
	m.mu.Unlock()
	if ok {
		return form, nil
	}

	if m.resolver == nil {
		return nil, fmt.Errorf("no resolver configured for form %s", formID)
	}

	form, err := m.resolver.ResolveForm(ctx, formID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[formID] = form
	m.mu.Unlock()
	return form, nil
}

// conditionalParents maps every conditional question id to the id of the
// question owning it, scanning all sections, questions and option-declared
// sub-questions.
func conditionalParents(form *formsync.FormDefinition) map[string]string {
	parentOf := make(map[string]string)
	for _, section := range form.Sections {
		for _, question := range section.Questions {
			collectConditionals(question, parentOf)
		}
	}
	return parentOf
}

func collectConditionals(q formsync.FormQuestion, parentOf map[string]string) {
	for _, option := range q.Options {
		for _, child := range option.Questions {
			parentOf[child.ID] = q.ID
			collectConditionals(child, parentOf)
		}
	}
}
