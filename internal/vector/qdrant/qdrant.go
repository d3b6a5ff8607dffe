// Package qdrant implements vector.Index on a Qdrant server over gRPC.
package qdrant

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/vector"
)

var _ vector.Index = (*Index)(nil)

const (
	defaultGRPCPort = "6334"
	restPort        = "6333"
	upsertBatchSize = 256
)

// Config locates the Qdrant server.
type Config struct {
	// URL accepts http(s)://host[:port] or host[:port]. The REST port 6333
	// is mapped to the gRPC port 6334; https selects TLS.
	URL        string
	APIKey     string
	Collection string
}

// Index is a Qdrant-backed vector index.
type Index struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	service     pb.QdrantClient
	collection  string

	mu  sync.Mutex
	dim int
}

// New dials Qdrant. The connection is established lazily by gRPC.
func New(cfg Config) (*Index, error) {
	addr, useTLS, err := Target(cfg.URL)
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	idx := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), pb.NewQdrantClient(conn), cfg.Collection)
	idx.conn = conn
	return idx, nil
}

// NewWithClients builds an Index from generated clients.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, service pb.QdrantClient, collection string) *Index {
	if collection == "" {
		collection = vector.DefaultCollection
	}
	return &Index{
		points:      points,
		collections: collections,
		service:     service,
		collection:  collection,
	}
}

// Target converts a configured URL into a gRPC dial target.
func Target(raw string) (addr string, useTLS bool, err error) {
	if raw == "" {
		return "localhost:" + defaultGRPCPort, false, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("qdrant url %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", false, fmt.Errorf("qdrant url %q has no host", raw)
	}
	port := u.Port()
	if port == "" || port == restPort {
		port = defaultGRPCPort
	}
	return net.JoinHostPort(host, port), u.Scheme == "https", nil
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Collection returns the collection name.
func (r *Index) Collection() string { return r.collection }

// forget drops the cached collection size when err says the collection no
// longer exists on the server.
func (r *Index) forget(err error) bool {
	if status.Code(err) != codes.NotFound {
		return false
	}
	r.mu.Lock()
	r.dim = 0
	r.mu.Unlock()
	return true
}

// collectionSize reports the vector size of the collection, or ok=false
// when it does not exist. The size is cached until the server reports the
// collection missing.
func (r *Index) collectionSize(ctx context.Context) (size int, ok bool, err error) {
	r.mu.Lock()
	if r.dim > 0 {
		d := r.dim
		r.mu.Unlock()
		return d, true, nil
	}
	r.mu.Unlock()

	exists, err := r.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: r.collection})
	if err != nil {
		return 0, false, domain.Wrap(domain.ErrIndexFailure, "collection exists", err)
	}
	if !exists.GetResult().GetExists() {
		return 0, false, nil
	}

	info, err := r.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: r.collection})
	if err != nil {
		return 0, false, domain.Wrap(domain.ErrIndexFailure, "collection info", err)
	}
	size = int(info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
	if size == 0 {
		return 0, false, fmt.Errorf("%w: collection %q has no single unnamed vector config", domain.ErrIndexFailure, r.collection)
	}

	r.mu.Lock()
	r.dim = size
	r.mu.Unlock()
	return size, true, nil
}

func (r *Index) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: invalid dimension %d", domain.ErrIndexFailure, dim)
	}
	size, ok, err := r.collectionSize(ctx)
	if err != nil {
		return err
	}
	if ok {
		if size != dim {
			return &domain.DimensionMismatchError{Collection: r.collection, Want: size, Got: dim}
		}
		return nil
	}

	_, err = r.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(dim),
			Distance: pb.Distance_Cosine,
		}}},
	})
	if err != nil {
		// Another writer may have created it first.
		if size, ok, err2 := r.collectionSize(ctx); err2 == nil && ok {
			if size != dim {
				return &domain.DimensionMismatchError{Collection: r.collection, Want: size, Got: dim}
			}
			return nil
		}
		return domain.Wrap(domain.ErrIndexFailure, "create collection", err)
	}
	if err := r.indexDocID(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.dim = dim
	r.mu.Unlock()
	return nil
}

// indexDocID creates the keyword index that DeleteByDoc filters on.
func (r *Index) indexDocID(ctx context.Context) error {
	wait := true
	_, err := r.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: r.collection,
		Wait:           &wait,
		FieldName:      vector.KeyDocID,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return domain.Wrap(domain.ErrIndexFailure, "create doc_id index", err)
	}
	return nil
}

func (r *Index) Upsert(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := vector.RecordDimension(records)
	if err != nil {
		return err
	}
	size, ok, err := r.collectionSize(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", domain.ErrIndexFailure, r.collection)
	}
	if size != dim {
		return &domain.DimensionMismatchError{Collection: r.collection, Want: size, Got: dim}
	}

	wait := true
	for start := 0; start < len(records); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(records))
		points := make([]*pb.PointStruct, 0, end-start)
		for _, rec := range records[start:end] {
			id := rec.ID
			if id == "" {
				id = uuid.NewString()
			}
			points = append(points, &pb.PointStruct{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Vector}}},
				Payload: encodePayload(rec.Payload),
			})
		}
		_, err := r.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: r.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			r.forget(err)
			return domain.Wrap(domain.ErrIndexFailure, fmt.Sprintf("upsert points %d-%d", start, end), err)
		}
	}
	return nil
}

func (r *Index) DeleteByDoc(ctx context.Context, docID string) error {
	_, ok, err := r.collectionSize(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	wait := true
	_, err = r.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
			Filter: &pb.Filter{Must: []*pb.Condition{matchKeyword(vector.KeyDocID, docID)}},
		}},
	})
	if r.forget(err) {
		return nil
	}
	if err != nil {
		return domain.Wrap(domain.ErrIndexFailure, "delete "+docID, err)
	}
	return nil
}

func (r *Index) Search(ctx context.Context, query []float32, topK int) ([]domain.Hit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", domain.ErrIndexFailure)
	}
	size, ok, err := r.collectionSize(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := r.EnsureCollection(ctx, len(query)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := vector.CheckDimension(r.collection, size, query); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	resp, err := r.points.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collection,
		Vector:         query,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if r.forget(err) {
		// Dropped behind our back: recreate it empty, as on first use.
		if err := r.EnsureCollection(ctx, len(query)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.ErrIndexFailure, "search", err)
	}

	hits := make([]domain.Hit, len(resp.GetResult()))
	for i, pt := range resp.GetResult() {
		hits[i] = domain.Hit{
			ID:      pointID(pt.GetId()),
			Score:   pt.GetScore(),
			Payload: decodePayload(pt.GetPayload()),
		}
	}
	return hits, nil
}

func (r *Index) Count(ctx context.Context) (int, error) {
	_, ok, err := r.collectionSize(ctx)
	if err != nil || !ok {
		return 0, err
	}
	exact := true
	resp, err := r.points.Count(ctx, &pb.CountPoints{CollectionName: r.collection, Exact: &exact})
	if r.forget(err) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.Wrap(domain.ErrIndexFailure, "count", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (r *Index) Collections(ctx context.Context) ([]string, error) {
	resp, err := r.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, domain.Wrap(domain.ErrIndexFailure, "list collections", err)
	}
	names := make([]string, len(resp.GetCollections()))
	for i, c := range resp.GetCollections() {
		names[i] = c.GetName()
	}
	return names, nil
}

// Health calls the Qdrant health endpoint and returns the server version.
func (r *Index) Health(ctx context.Context) (string, error) {
	if r.service == nil {
		return "", fmt.Errorf("qdrant health: no service client")
	}
	resp, err := r.service.HealthCheck(ctx, &pb.HealthCheckRequest{})
	if err != nil {
		return "", domain.Wrap(domain.ErrIndexFailure, "health", err)
	}
	return resp.GetVersion(), nil
}

func (r *Index) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
