// Package correlation maps a parsed inbound message to the request record it answers.
package correlation

import (
	"context"
	"errors"
	"fmt"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
)

// MatchMethod names the identifier that linked a message to a record.
type MatchMethod string

const (
	MatchedByThread      MatchMethod = "thread"
	MatchedByReplyHeader MatchMethod = "reply_header"
	MatchedBySequence    MatchMethod = "sequence"
)

// ErrUnmatched is matched by every *MissError.
var ErrUnmatched = errors.New("message does not correlate to a record")

// MissError explains why no single record was found.
type MissError struct {
	Reason domain.TriageReason
	Detail string
}

func (e *MissError) Error() string {
	return fmt.Sprintf("correlation miss (%s): %s", e.Reason, e.Detail)
}

func (e *MissError) Is(target error) bool { return target == ErrUnmatched }

// Resolution is the record a message belongs to and how it was found.
type Resolution struct {
	Record    *domain.RequestRecord
	MatchedBy MatchMethod
}

// Resolver looks records up by exact identifiers only.
type Resolver struct {
	rfis   repository.RFIRepository
	claims repository.ClaimRepository
}

// NewResolver creates a resolver.
func NewResolver(rfis repository.RFIRepository, claims repository.ClaimRepository) *Resolver {
	return &Resolver{rfis: rfis, claims: claims}
}

// Resolve tries the thread id, then reply headers, then the sequence number.
// A miss returns a *MissError; other errors come from storage.
func (r *Resolver) Resolve(ctx context.Context, msg parser.ParsedMessage) (Resolution, error) {
	if msg.ThreadID != "" {
		record, err := r.rfis.GetByThreadID(ctx, msg.ThreadID)
		switch {
		case err == nil:
			return Resolution{Record: record, MatchedBy: MatchedByThread}, nil
		case !repository.IsNotFound(err):
			return Resolution{}, fmt.Errorf("lookup thread %s: %w", msg.ThreadID, err)
		}
	}

	if ids := msg.ReplyIDs(); len(ids) > 0 {
		claim, err := r.claims.FindFirst(ctx, ids)
		switch {
		case err == nil:
			record, err := r.rfis.GetByID(ctx, claim.RFIID)
			if err != nil {
				return Resolution{}, fmt.Errorf("load record %s for claim %s: %w", claim.RFIID, claim.MessageID, err)
			}
			return Resolution{Record: record, MatchedBy: MatchedByReplyHeader}, nil
		case !repository.IsNotFound(err):
			return Resolution{}, fmt.Errorf("lookup reply headers: %w", err)
		}
	}

	if msg.SequenceNumber == nil {
		return Resolution{}, &MissError{Reason: domain.TriageReasonUnmatched, Detail: "no thread, reply header or sequence number matched"}
	}
	records, err := r.rfis.FindBySequence(ctx, *msg.SequenceNumber)
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup sequence %s: %w", *msg.SequenceNumber, err)
	}
	switch len(records) {
	case 0:
		return Resolution{}, &MissError{Reason: domain.TriageReasonUnmatched, Detail: "unknown sequence number " + *msg.SequenceNumber}
	case 1:
		return Resolution{Record: &records[0], MatchedBy: MatchedBySequence}, nil
	default:
		return Resolution{}, &MissError{
			Reason: domain.TriageReasonAmbiguousSequence,
			Detail: fmt.Sprintf("sequence number %s matches %d records", *msg.SequenceNumber, len(records)),
		}
	}
}

// IsDuplicate reports whether messageID was already claimed by a send or a reply.
func (r *Resolver) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	_, err := r.claims.Get(ctx, messageID)
	if err == nil {
		return true, nil
	}
	if repository.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("lookup claim %s: %w", messageID, err)
}
