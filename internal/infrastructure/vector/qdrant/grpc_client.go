package qdrant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/infrastructure/resilience"
)

const defaultGRPCPort = 6334

// GRPCClient searches Qdrant through the official gRPC client.
type GRPCClient struct {
	client   *qdrant.Client
	target   string
	executor *resilience.Executor
}

// NewGRPC accepts "host:port" or a URL such as "https://qdrant:6334".
func NewGRPC(target string, options Options) (*GRPCClient, error) {
	host, port, useTLS, err := parseGRPCTarget(target)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: options.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant grpc client: %w", err)
	}
	return &GRPCClient{
		client:   client,
		target:   net.JoinHostPort(host, strconv.Itoa(port)),
		executor: options.Executor,
	}, nil
}

func parseGRPCTarget(target string) (string, int, bool, error) {
	target = strings.TrimSpace(target)
	useTLS := false
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", 0, false, fmt.Errorf("parse qdrant url: %w", err)
		}
		useTLS = u.Scheme == "https"
		target = u.Host
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultGRPCPort, useTLS, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid port in qdrant url: %w", err)
	}
	return host, port, useTLS, nil
}

func (c *GRPCClient) Search(
	ctx context.Context,
	collection string,
	queryVector []float32,
	limit int,
	scoreThreshold float64,
) ([]domain.RetrievalHit, error) {
	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVector...),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if limit > 0 {
		query.Limit = qdrant.PtrOf(uint64(limit))
	}
	if scoreThreshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(float32(scoreThreshold))
	}

	var points []*qdrant.ScoredPoint
	err := resilience.Run(ctx, c.executor, resilience.BreakerKey("qdrant.query", c.target), func(callCtx context.Context) error {
		res, err := c.client.Query(callCtx, query)
		if err != nil {
			return fmt.Errorf("qdrant query: %w", err)
		}
		points = res
		return nil
	}, classifyGRPCError)
	if err != nil {
		return nil, resilience.WrapTemporary("qdrant query", err, classifyGRPCError)
	}
	return grpcHits(collection, points), nil
}

// grpcHits drops points whose payload carries no source text.
func grpcHits(collection string, points []*qdrant.ScoredPoint) []domain.RetrievalHit {
	out := make([]domain.RetrievalHit, 0, len(points))
	for _, p := range points {
		source := grpcPayloadSource(p.GetPayload())
		if source == "" {
			continue
		}
		hit := domain.NewRetrievalHit(source, float64(p.GetScore()), domain.OriginVector)
		hit.Collection = collection
		out = append(out, hit)
	}
	return out
}

func (c *GRPCClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

func (c *GRPCClient) Close() error {
	return c.client.Close()
}

func grpcPayloadSource(payload map[string]*qdrant.Value) string {
	for _, key := range sourcePayloadKeys {
		if v, ok := payload[key]; ok {
			if s := v.GetStringValue(); s != "" {
				return s
			}
		}
	}
	return ""
}

func classifyGRPCError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return resilience.ErrorClassification{
				Retryable:     true,
				RecordFailure: true,
			}
		case codes.NotFound, codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated:
			return resilience.ErrorClassification{
				Retryable:     false,
				RecordFailure: false,
			}
		}
	}
	return resilience.ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
