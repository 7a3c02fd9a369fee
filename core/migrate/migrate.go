// Package migrate implements schema evolution: preview computes per-type
// drift and a plan-hash token, apply rewrites current-state rows through
// chained upgraders and registers the new schema versions in one atomic
// commit. Tokens detect plan drift between preview and apply; they are not
// authentication.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/schema"
)

// Upgrader is a pure row transformation from one schema version to the
// next. Upgraders are keyed by (type, from-version); preview lists a missing
// step under MissingUpgraders, and apply aborts on it.
type Upgrader func(schema.Document) (schema.Document, error)

// UpgraderKey addresses one step of an upgrader chain.
type UpgraderKey struct {
	TypeKey     repository.TypeKey
	FromVersion int64
}

// TypeSet is the code-side schema: the types a session is bound to.
type TypeSet struct {
	Entities  []*schema.EntityType
	Relations []*schema.RelationType
}

// TypeKeys returns the type keys of the set in deterministic order.
func (s TypeSet) TypeKeys() []repository.TypeKey {
	keys := make([]repository.TypeKey, 0, len(s.Entities)+len(s.Relations))
	for _, entity := range s.Entities {
		keys = append(keys, repository.TypeKey{Kind: repository.RecordKindEntity, Name: entity.Name})
	}
	for _, relation := range s.Relations {
		keys = append(keys, repository.TypeKey{Kind: repository.RecordKindRelation, Name: relation.Name})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// SpecOf returns the canonical spec for a type key.
func (s TypeSet) SpecOf(key repository.TypeKey) (*schema.Spec, bool) {
	switch key.Kind {
	case repository.RecordKindEntity:
		for _, entity := range s.Entities {
			if entity.Name == key.Name {
				return entity.Spec(), true
			}
		}
	case repository.RecordKindRelation:
		for _, relation := range s.Relations {
			if relation.Name == key.Name {
				return relation.Spec(), true
			}
		}
	}
	return nil, false
}

// payloadFieldsOf returns the payload field definitions for validation of
// upgraded rows.
func (s TypeSet) payloadFieldsOf(key repository.TypeKey) []schema.Field {
	switch key.Kind {
	case repository.RecordKindEntity:
		for _, entity := range s.Entities {
			if entity.Name == key.Name {
				return entity.PayloadFields()
			}
		}
	case repository.RecordKindRelation:
		for _, relation := range s.Relations {
			if relation.Name == key.Name {
				return relation.PayloadFields()
			}
		}
	}
	return nil
}

// Preview is the dry-run result of a migration plan.
type Preview struct {
	HasChanges              bool              `json:"has_changes"`
	Diffs                   []schema.TypeDiff `json:"diffs,omitempty"`
	EstimatedRows           map[string]int    `json:"estimated_rows,omitempty"`
	TypesRequiringUpgraders []string          `json:"types_requiring_upgraders,omitempty"`
	TypesSchemaOnly         []string          `json:"types_schema_only,omitempty"`
	MissingUpgraders        []string          `json:"missing_upgraders,omitempty"`
	Token                   string            `json:"token"`
}

// Planner computes and applies migration plans for one type set.
type Planner struct {
	repo   repository.Repository
	types  TypeSet
	logger *zap.Logger
}

// NewPlanner constructs a migration planner.
func NewPlanner(repo repository.Repository, types TypeSet, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{repo: repo, types: types, logger: logger}
}

// plan is the recomputable core shared by preview and apply.
type plan struct {
	diffs    []schema.TypeDiff
	touched  []repository.TypeKey
	stored   map[repository.TypeKey]repository.SchemaVersion
	rowCount map[repository.TypeKey]int
	token    string
}

func (p *Planner) compute(ctx context.Context) (*plan, error) {
	result := &plan{
		stored:   make(map[repository.TypeKey]repository.SchemaVersion),
		rowCount: make(map[repository.TypeKey]int),
	}
	for _, key := range p.types.TypeKeys() {
		currentSpec, _ := p.types.SpecOf(key)
		storedVersion, found, err := p.repo.CurrentSchemaVersion(ctx, key)
		if err != nil {
			return nil, err
		}
		var diff schema.TypeDiff
		if !found {
			// Unregistered type: the whole spec is an addition.
			diff = schema.DiffSpecs(string(key.Kind), key.Name, schema.TypedDict(key.Name, nil), currentSpec)
		} else {
			result.stored[key] = storedVersion
			diff = schema.DiffSpecs(string(key.Kind), key.Name, storedVersion.Spec, currentSpec)
		}
		if diff.Empty() {
			continue
		}
		result.diffs = append(result.diffs, diff)
		result.touched = append(result.touched, key)

		rows, err := p.repo.QueryRows(ctx, repository.Query{
			Kind:     key.Kind,
			TypeName: key.Name,
			Temporal: repository.Latest(),
		})
		if err != nil {
			return nil, err
		}
		result.rowCount[key] = len(rows)
	}

	head, err := p.repo.Head(ctx)
	if err != nil {
		return nil, err
	}
	result.token, err = planToken(result.diffs, head.CommitID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// planToken encodes base64(plan_hash ":" head), where the plan hash is the
// SHA-256 of the canonical JSON of the diffs and an empty store reads as
// "none".
func planToken(diffs []schema.TypeDiff, headCommitID int64) (string, error) {
	encoded, err := json.Marshal(diffs)
	if err != nil {
		return "", fmt.Errorf("failed to encode migration plan: %w", err)
	}
	sum := sha256.Sum256(encoded)
	headPart := "none"
	if headCommitID > 0 {
		headPart = fmt.Sprintf("%d", headCommitID)
	}
	raw := hex.EncodeToString(sum[:]) + ":" + headPart
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// Preview computes the migration plan without writing anything.
func (p *Planner) Preview(ctx context.Context, upgraders map[UpgraderKey]Upgrader) (*Preview, error) {
	computed, err := p.compute(ctx)
	if err != nil {
		return nil, err
	}
	preview := &Preview{
		HasChanges:    len(computed.diffs) > 0,
		Diffs:         computed.diffs,
		EstimatedRows: make(map[string]int),
		Token:         computed.token,
	}
	for _, key := range computed.touched {
		count := computed.rowCount[key]
		preview.EstimatedRows[key.String()] = count
		if count == 0 {
			preview.TypesSchemaOnly = append(preview.TypesSchemaOnly, key.String())
			continue
		}
		preview.TypesRequiringUpgraders = append(preview.TypesRequiringUpgraders, key.String())
		stored, registered := computed.stored[key]
		if !registered {
			continue
		}
		if _, ok := upgraders[UpgraderKey{TypeKey: key, FromVersion: stored.VersionID}]; !ok {
			preview.MissingUpgraders = append(preview.MissingUpgraders,
				fmt.Sprintf("%s@v%d", key.String(), stored.VersionID))
		}
	}
	sort.Strings(preview.TypesRequiringUpgraders)
	sort.Strings(preview.TypesSchemaOnly)
	sort.Strings(preview.MissingUpgraders)
	return preview, nil
}

// ApplyOptions parameterises a migration apply.
type ApplyOptions struct {
	Token     string
	Upgraders map[UpgraderKey]Upgrader
	Force     bool
	Metadata  map[string]string
	OwnerID   string
}

// Apply executes the migration under the write lease: it recomputes the
// plan, verifies the token, rewrites every current-state row of each
// touched type through its upgrader chain, and persists the rewritten rows
// together with the new schema versions in a single commit.
func (p *Planner) Apply(ctx context.Context, opts ApplyOptions) (int64, error) {
	lease, err := p.repo.BeginWrite(ctx, opts.OwnerID)
	if err != nil {
		return 0, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if releaseErr := lease.Release(releaseCtx); releaseErr != nil {
			p.logger.Warn("failed to release migration lease", zap.Error(releaseErr))
		}
	}()

	computed, err := p.compute(ctx)
	if err != nil {
		return 0, err
	}
	if len(computed.diffs) == 0 {
		return 0, nil
	}
	if !opts.Force && computed.token != opts.Token {
		return 0, repository.NewError(repository.KindMigrationToken,
			"migration plan changed since preview; re-run preview").
			WithDetails(map[string]any{"expected": opts.Token, "recomputed": computed.token})
	}

	req := repository.AppendRequest{
		Metadata:         opts.Metadata,
		ExpectedVersions: make(map[repository.TypeKey]int64),
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata["migration"] = "true"

	for _, key := range computed.touched {
		stored, registered := computed.stored[key]
		storedVersion := int64(0)
		if registered {
			storedVersion = stored.VersionID
		}
		newVersion := storedVersion + 1
		currentSpec, _ := p.types.SpecOf(key)
		req.ExpectedVersions[key] = storedVersion
		req.RegisterVersions = append(req.RegisterVersions, repository.VersionRegistration{
			TypeKey: key,
			Version: newVersion,
			Spec:    currentSpec,
			Reason:  "migration",
		})

		if computed.rowCount[key] == 0 {
			continue
		}
		rows, err := p.repo.QueryRows(ctx, repository.Query{
			Kind:     key.Kind,
			TypeName: key.Name,
			Temporal: repository.Latest(),
		})
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			upgraded, err := p.upgradeRow(key, row, newVersion, opts.Upgraders)
			if err != nil {
				return 0, err
			}
			req.Changes = append(req.Changes, repository.Change{
				Identity:        row.Identity,
				Operation:       repository.OperationUpdateVersion,
				Fields:          upgraded,
				SchemaVersionID: newVersion,
			})
		}
	}

	if err := lease.Guard(); err != nil {
		return 0, err
	}
	commitID, err := p.repo.AppendCommit(ctx, lease, req)
	if err != nil {
		return 0, err
	}
	p.logger.Info("migration applied",
		zap.Int64("commit_id", commitID),
		zap.Int("types", len(computed.touched)),
		zap.Int("rows", len(req.Changes)))
	return commitID, nil
}

// upgradeRow chains upgraders from the row's stored version to the target
// version and validates the result against the target spec.
func (p *Planner) upgradeRow(key repository.TypeKey, row repository.Row, targetVersion int64, upgraders map[UpgraderKey]Upgrader) (schema.Document, error) {
	doc := row.Fields
	for version := row.SchemaVersionID; version < targetVersion; version++ {
		step, ok := upgraders[UpgraderKey{TypeKey: key, FromVersion: version}]
		if !ok {
			return nil, repository.NewErrorf(repository.KindMissingUpgrader,
				"no upgrader for %s from version %d", key.String(), version).
				WithDetails(map[string]any{"type": key.String(), "from_version": version})
		}
		next, err := step(doc)
		if err != nil {
			return nil, migrationError(key, row.Identity, fmt.Sprintf("upgrade v%d", version), doc, err)
		}
		doc = next
	}
	validated, err := schema.NormalizeDocument(key.Name, p.types.payloadFieldsOf(key), doc)
	if err != nil {
		return nil, migrationError(key, row.Identity, "validate", doc, err)
	}
	return validated, nil
}

func migrationError(key repository.TypeKey, identity repository.Identity, stage string, input schema.Document, cause error) error {
	return repository.WrapError(repository.KindMigration,
		fmt.Sprintf("migration of %s failed at stage %s", strings.TrimPrefix(identity.String(), string(key.Kind)+"/"), stage), cause).
		WithDetails(map[string]any{
			"type":     key.String(),
			"identity": identity.String(),
			"stage":    stage,
			"input":    input,
		})
}
