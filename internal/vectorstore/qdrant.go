package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// qdrantTracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("recalld.vectorstore.qdrant")

// scrollPageSize bounds one Scroll page when enumerating ids.
const scrollPageSize = 1024

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334), not the HTTP REST port.
	Port int

	// APIKey authenticates against Qdrant Cloud. Empty for local.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Dimension is the embedding dimension for created collections.
	Dimension int

	// MaxRetries is the retry budget for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff, doubling per retry.
	// Default: 1s
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 16MB
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error should be retried.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Qdrant implements Store on Qdrant's native gRPC client.
//
// gRPC (port 6334) avoids the HTTP layer's payload limits and is the
// transport the official client is built around.
type Qdrant struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

var _ Store = (*Qdrant)(nil)

// NewQdrant connects to Qdrant and verifies the connection.
func NewQdrant(config QdrantConfig, logger *zap.Logger) (*Qdrant, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext; enable use_tls for production")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", memory.ErrSemanticUnavailable, err)
	}

	s := &Qdrant{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: qdrant health check: %v", memory.ErrSemanticUnavailable, err)
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Int("dimension", config.Dimension),
	)
	return s, nil
}

// retry runs op with doubling backoff on transient errors.
func (s *Qdrant) retry(ctx context.Context, name string, op func() error) error {
	backoff := s.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransientError(err) {
			return err
		}
		if attempt == s.config.MaxRetries {
			break
		}
		s.logger.Debug("retrying qdrant operation",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", name, s.config.MaxRetries, lastErr)
}

// classify maps gRPC failures onto the shared error kinds.
func classifyQdrant(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransientError(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", memory.ErrSemanticUnavailable, op, err)
	}
	if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isNotFound reports whether err is a gRPC NotFound.
func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// EnsureCollections creates any missing collections.
func (s *Qdrant) EnsureCollections(ctx context.Context, names []string) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.EnsureCollections")
	defer span.End()
	span.SetAttributes(attribute.Int("collection_count", len(names)))

	for _, name := range names {
		if err := ValidateCollectionName(name); err != nil {
			span.RecordError(err)
			return err
		}

		var exists bool
		err := s.retry(ctx, "collection_exists", func() error {
			info, err := s.client.GetCollectionInfo(ctx, name)
			if err != nil {
				if isNotFound(err) {
					exists = false
					return nil
				}
				return err
			}
			exists = info != nil
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return classifyQdrant("checking collection "+name, err)
		}
		if exists {
			continue
		}

		err = s.retry(ctx, "create_collection", func() error {
			err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(s.config.Dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
			// Lost the creation race; the collection is there either way.
			if err != nil {
				if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
					return nil
				}
			}
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return classifyQdrant("creating collection "+name, err)
		}
		s.logger.Info("created qdrant collection",
			zap.String("collection", name),
			zap.Int("dimension", s.config.Dimension),
		)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Add upserts one vector into a collection.
func (s *Qdrant) Add(ctx context.Context, collection, id string, vector []float32, payload map[string]string) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Add")
	defer span.End()
	defer func(start time.Time) { observeOp("qdrant", "add", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", collection))

	if err = ValidateCollectionName(collection); err != nil {
		span.RecordError(err)
		return err
	}
	if len(vector) != s.config.Dimension {
		err = fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.config.Dimension)
		span.RecordError(err)
		return err
	}

	qp := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		qp[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qp,
	}
	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyQdrant("upserting into "+collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// SearchByVector returns the top-k hits across the given collections.
func (s *Qdrant) SearchByVector(ctx context.Context, collections []string, vector []float32, k int, minSimilarity float32) (_ []Hit, err error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.SearchByVector")
	defer span.End()
	defer func(start time.Time) { observeOp("qdrant", "search", start, err) }(time.Now())
	span.SetAttributes(
		attribute.Int("collection_count", len(collections)),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) != s.config.Dimension {
		err = fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.config.Dimension)
		span.RecordError(err)
		return nil, err
	}

	var hits []Hit
	for _, name := range collections {
		if err = ValidateCollectionName(name); err != nil {
			span.RecordError(err)
			return nil, err
		}

		var points []*qdrant.ScoredPoint
		qerr := s.retry(ctx, "query", func() error {
			res, err := s.client.Query(ctx, &qdrant.QueryPoints{
				CollectionName: name,
				Query:          qdrant.NewQuery(vector...),
				Limit:          qdrant.PtrOf(uint64(k)),
				ScoreThreshold: qdrant.PtrOf(minSimilarity),
			})
			if err != nil {
				return err
			}
			points = res
			return nil
		})
		if qerr != nil {
			// A tier collection that was never written to is not an
			// error for the union search.
			if isNotFound(qerr) {
				continue
			}
			err = classifyQdrant("querying "+name, qerr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		for _, p := range points {
			hits = append(hits, Hit{
				ID:         pointIDString(p.Id),
				Similarity: p.Score,
				Collection: name,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// GetVector returns the stored vector for id.
func (s *Qdrant) GetVector(ctx context.Context, collection, id string) (_ []float32, err error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.GetVector")
	defer span.End()
	defer func(start time.Time) { observeOp("qdrant", "get_vector", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", collection))

	if err = ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	var points []*qdrant.RetrievedPoint
	err = s.retry(ctx, "get", func() error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyQdrant("getting vector from "+collection, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrVectorNotFound, id, collection)
	}
	vec := extractVector(points[0].Vectors)
	if vec == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrVectorNotFound, id, collection)
	}
	return vec, nil
}

// Delete removes ids from a collection. Absent ids are ignored.
func (s *Qdrant) Delete(ctx context.Context, collection string, ids ...string) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Delete")
	defer span.End()
	defer func(start time.Time) { observeOp("qdrant", "delete", start, err) }(time.Now())
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("id_count", len(ids)),
	)

	if len(ids) == 0 {
		return nil
	}
	if err = ValidateCollectionName(collection); err != nil {
		return err
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	err = s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyQdrant("deleting from "+collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// ListIDs returns every id in a collection via paged scrolling.
func (s *Qdrant) ListIDs(ctx context.Context, collection string) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.ListIDs")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	var ids []string
	var offset *qdrant.PointId
	for {
		var points []*qdrant.RetrievedPoint
		var next *qdrant.PointId
		err := s.retry(ctx, "scroll", func() error {
			res, nextOffset, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: collection,
				Offset:         offset,
				Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			})
			if err != nil {
				return err
			}
			points, next = res, nextOffset
			return nil
		})
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, classifyQdrant("scrolling "+collection, err)
		}
		for _, p := range points {
			ids = append(ids, pointIDString(p.Id))
		}
		if next == nil || len(points) < scrollPageSize {
			break
		}
		offset = next
	}

	span.SetAttributes(attribute.Int("id_count", len(ids)))
	return ids, nil
}

// Count returns the number of vectors in a collection.
func (s *Qdrant) Count(ctx context.Context, collection string) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Count")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}

	var count int
	err := s.retry(ctx, "count", func() error {
		info, err := s.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			return err
		}
		count = int(info.GetPointsCount())
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		span.RecordError(err)
		return 0, classifyQdrant("counting "+collection, err)
	}
	return count, nil
}

// Close closes the gRPC connection.
func (s *Qdrant) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// pointIDString converts a Qdrant point id back to the memory id.
func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	if n := id.GetNum(); n != 0 {
		return fmt.Sprintf("%d", n)
	}
	return ""
}

// extractVector pulls the dense vector out of a retrieved point.
func extractVector(vectors *qdrant.VectorsOutput) []float32 {
	if vectors == nil {
		return nil
	}
	if vec := vectors.GetVector(); vec != nil {
		if dense := vec.GetDense(); dense != nil {
			return dense.GetData()
		}
	}
	return nil
}
