package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTemporary    = errors.New("temporary failure")

	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrNotFound              = errors.New("not found")
	ErrNoBackendAvailable    = errors.New("no backend available")

	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")
	ErrEmbeddingCallFailed  = errors.New("embedding call failed")
	ErrVectorSearchFailed   = errors.New("vector search failed")
	ErrKeywordSearchFailed  = errors.New("keyword search failed")
	ErrRetrievalTimeout     = errors.New("retrieval timeout")
	ErrInvalidRagParameters = errors.New("invalid rag parameters")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
