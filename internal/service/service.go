// Package service implements the write path: validate a submission, apply
// the branch policy, persist, and notify watchers.
package service

import (
	"context"
	"log/slog"

	"github.com/ivotron/popper-badge-server/internal/events"
	"github.com/ivotron/popper-badge-server/internal/resolver"
	"github.com/ivotron/popper-badge-server/internal/storage"
	"github.com/ivotron/popper-badge-server/internal/submission"
)

// Outcome is the result of an accepted submission.
type Outcome int

const (
	// Persisted means the record was inserted or upserted.
	Persisted Outcome = iota + 1
	// AcceptedNotPersisted means the submission was valid but filtered out
	// by the branch policy.
	AcceptedNotPersisted
)

func (o Outcome) String() string {
	switch o {
	case Persisted:
		return "persisted"
	case AcceptedNotPersisted:
		return "accepted-not-persisted"
	default:
		return "unknown"
	}
}

// Service wires the validator to the store.
type Service struct {
	store     storage.Store
	validator *submission.Validator
	resolver  *resolver.Resolver
	hub       *events.Hub
	log       *slog.Logger
}

// New creates a Service. hub may be nil.
func New(store storage.Store, validator *submission.Validator, res *resolver.Resolver, hub *events.Hub, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		validator: validator,
		resolver:  res,
		hub:       hub,
		log:       log,
	}
}

// Submit runs a submission through the write path. Validation failures
// return a *submission.ValidationError; store failures wrap
// storage.ErrStorage. Nothing is retried.
func (s *Service) Submit(ctx context.Context, repoKey string, f submission.Fields) (Outcome, error) {
	sub, err := s.validator.Validate(f)
	if err != nil {
		return 0, err
	}

	if !s.validator.ShouldPersist(sub) {
		s.log.Info("submission not persisted", "repo", repoKey, "commit", sub.CommitID, "branch", sub.Branch)
		return AcceptedNotPersisted, nil
	}

	if err := s.store.Upsert(ctx, repoKey, sub.CommitID, sub.Timestamp, sub.Status); err != nil {
		return 0, err
	}
	s.log.Info("record saved", "repo", repoKey, "commit", sub.CommitID, "status", sub.Status, "timestamp", sub.Timestamp)

	s.resolver.Invalidate(ctx, repoKey)
	s.notify(ctx, repoKey)

	return Persisted, nil
}

func (s *Service) notify(ctx context.Context, repoKey string) {
	if s.hub == nil || s.hub.Count(repoKey) == 0 {
		return
	}
	cur, err := s.resolver.Resolve(ctx, repoKey)
	if err != nil {
		s.log.Warn("failed to resolve status for watchers", "repo", repoKey, "error", err)
		return
	}
	s.hub.Publish(events.Event{
		RepoKey:   repoKey,
		CommitID:  cur.CommitID,
		Status:    cur.Raw,
		Timestamp: cur.Timestamp,
	})
}
