// Package ontologia is a typed, append-only ontology store with a reactive
// event engine. Entities and relations live in a monotonically versioned
// commit log behind one of two interchangeable backends (a transactional
// SQLite store and an object-store-backed columnar layout); declared intents
// reconcile into atomic commits; a durable per-(event, handler) claim queue
// drives reactive handlers and scheduled work.
package ontologia

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lexiupon/ontologia/core/bus"
	"github.com/lexiupon/ontologia/core/repository"
	"github.com/lexiupon/ontologia/core/session"
	"github.com/lexiupon/ontologia/objectstore"
	"github.com/lexiupon/ontologia/sqlite"
)

// Repo pairs an opened repository with its event store; both roles are
// served by the same backend value.
type Repo struct {
	Repository repository.Repository
	Events     bus.Store
}

// OpenRepository opens a repository by URI:
//
//	sqlite:///path/to/store.db
//	s3://bucket/prefix
func OpenRepository(ctx context.Context, uri string, cfg repository.Config, logger *zap.Logger) (*Repo, error) {
	switch {
	case strings.HasPrefix(uri, "sqlite://"):
		// sqlite:///relative.db and sqlite:////abs/path.db, following the
		// usual URI convention.
		path := strings.TrimPrefix(uri, "sqlite:///")
		if path == uri {
			path = strings.TrimPrefix(uri, "sqlite://")
		}
		repo, err := sqlite.Open(path, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Repo{Repository: repo, Events: repo}, nil
	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, repository.NewErrorf(repository.KindValidation, "invalid object store uri %q", uri)
		}
		client, err := objectstore.NewS3Client(ctx, bucket, prefix, cfg.Normalized())
		if err != nil {
			return nil, err
		}
		store, err := objectstore.Open(ctx, client, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Repo{Repository: store, Events: store}, nil
	}
	return nil, repository.NewErrorf(repository.KindValidation, "unsupported repository uri %q", uri)
}

// NewSession opens a repository by URI and binds a session to it.
func NewSession(ctx context.Context, uri string, opts session.Options) (*session.Session, *Repo, error) {
	repo, err := OpenRepository(ctx, uri, opts.Config, opts.Logger)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.New(repo.Repository, repo.Events, opts)
	if err != nil {
		repo.Repository.Close()
		return nil, nil, err
	}
	return s, repo, nil
}
