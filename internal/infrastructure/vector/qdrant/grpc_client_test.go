package qdrant

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func TestClassifyGRPCError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{"unavailable", fmt.Errorf("qdrant query: %w", status.Error(codes.Unavailable, "connection refused")), true, true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "too many requests"), true, true},
		{"not found", fmt.Errorf("qdrant query: %w", status.Error(codes.NotFound, "collection docs not found")), false, false},
		{"invalid argument", status.Error(codes.InvalidArgument, "wrong vector size"), false, false},
		{"cancelled", fmt.Errorf("qdrant query: %w", context.Canceled), false, false},
		{"deadline", context.DeadlineExceeded, false, false},
		{"circuit open", gobreaker.ErrOpenState, true, true},
		{"internal", status.Error(codes.Internal, "panic"), false, true},
		{"plain", errors.New("boom"), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyGRPCError(tc.err)
			if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
				t.Fatalf("classifyGRPCError(%v) = %+v, want retryable=%v record=%v", tc.err, got, tc.retryable, tc.record)
			}
		})
	}
	if got := classifyGRPCError(nil); got.Retryable || got.RecordFailure {
		t.Fatalf("nil error must not be classified, got %+v", got)
	}
}

func TestGRPCPayloadSourcePrefersSourceKey(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]*qdrant.Value
		want    string
	}{
		{"source wins", map[string]*qdrant.Value{"source": stringValue("s"), "text": stringValue("t")}, "s"},
		{"empty source falls through", map[string]*qdrant.Value{"source": stringValue(""), "text": stringValue("t")}, "t"},
		{"content", map[string]*qdrant.Value{"content": stringValue("c")}, "c"},
		{"non-string ignored", map[string]*qdrant.Value{"source": {Kind: &qdrant.Value_IntegerValue{IntegerValue: 7}}}, ""},
		{"missing", map[string]*qdrant.Value{"title": stringValue("x")}, ""},
		{"nil payload", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := grpcPayloadSource(tc.payload); got != tc.want {
				t.Fatalf("grpcPayloadSource() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGRPCHitsSkipsPointsWithoutSource(t *testing.T) {
	points := []*qdrant.ScoredPoint{
		{Score: 0.9, Payload: map[string]*qdrant.Value{"source": stringValue("Paris is in France.")}},
		{Score: 0.8, Payload: map[string]*qdrant.Value{"title": stringValue("no text")}},
		{Score: 0.4, Payload: map[string]*qdrant.Value{"text": stringValue("Lyon is in France.")}},
	}

	hits := grpcHits("docs", points)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Source != "Paris is in France." || hits[1].Source != "Lyon is in France." {
		t.Fatalf("unexpected sources %q %q", hits[0].Source, hits[1].Source)
	}
	for _, hit := range hits {
		if hit.Collection != "docs" || hit.Origin != domain.OriginVector {
			t.Fatalf("unexpected hit metadata %+v", hit)
		}
		if hit.Key != domain.HitKey(hit.Source) {
			t.Fatalf("hit key must address the source text")
		}
	}
	if hits[1].Score < 0.39 || hits[1].Score > 0.41 {
		t.Fatalf("score not carried over, got %v", hits[1].Score)
	}
}
