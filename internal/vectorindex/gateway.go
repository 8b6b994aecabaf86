// Package vectorindex implements the Vector Index Gateway (§4.B): a thin,
// typed-collection wrapper over Qdrant used by the Memory Tier Service and
// the Retrieval Orchestrator. Grounded on
// internal/persistence/databases/qdrant_vector.go, generalized from one
// fixed collection per store instance to many named collections sharing one
// client connection.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDField stores the caller-supplied point id when it is not itself a
// UUID — Qdrant point ids must be UUIDs or positive integers.
const payloadIDField = "_original_id"

var (
	ErrDimensionMismatch = errors.New("vectorindex: vector dimension does not match collection")
	ErrInvalidVector     = errors.New("vectorindex: vector contains NaN or Inf")
	ErrUnknownCollection = errors.New("vectorindex: collection not registered")
)

// CollectionSpec describes one typed vector collection (e.g. "memories",
// "artifacts", "documents" — the collection families §4.F fuses across).
type CollectionSpec struct {
	Name       string
	Dimensions int
	Metric     string // cosine|l2|ip, default cosine
}

// Point is one vector plus its opaque string-keyed metadata payload.
type Point struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// CollectionStats summarizes a collection for admin/observability surfaces.
type CollectionStats struct {
	Name       string
	Dimensions int
	PointCount uint64
}

// Gateway owns one Qdrant client and the set of collections it has ensured.
type Gateway struct {
	client *qdrant.Client
	specs  map[string]CollectionSpec
}

// Dial parses a Qdrant DSN ("host:port" or "qdrant://host:port?api_key=...")
// and connects. TLS is enabled automatically for the "https"/"qdrants" scheme.
func Dial(dsn string) (*Gateway, error) {
	host, port, useTLS, apiKey, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg := &qdrant.Config{Host: host, Port: port, UseTLS: useTLS}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Gateway{client: client, specs: make(map[string]CollectionSpec)}, nil
}

func parseDSN(dsn string) (host string, port int, useTLS bool, apiKey string, err error) {
	if !strings.Contains(dsn, "://") {
		dsn = "qdrant://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", 0, false, "", fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host = u.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := u.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false, "", fmt.Errorf("invalid qdrant port: %w", err)
	}
	useTLS = u.Scheme == "https" || u.Scheme == "qdrants"
	apiKey = u.Query().Get("api_key")
	return host, port, useTLS, apiKey, nil
}

func (g *Gateway) Close() error { return g.client.Close() }

// EnsureCollection creates spec.Name if absent and registers its dimensions
// for client-side validation on Insert. Calling it again with the same name
// is a no-op even if Dimensions/Metric differ from the first call — callers
// that need to change a collection's shape must delete and recreate it.
func (g *Gateway) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	if spec.Name == "" {
		return errors.New("vectorindex: collection name required")
	}
	if spec.Dimensions <= 0 {
		return errors.New("vectorindex: dimensions must be > 0")
	}
	exists, err := g.client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", spec.Name, err)
	}
	if !exists {
		var distance qdrant.Distance
		switch strings.ToLower(strings.TrimSpace(spec.Metric)) {
		case "l2", "euclidean":
			distance = qdrant.Distance_Euclid
		case "ip", "dot":
			distance = qdrant.Distance_Dot
		default:
			distance = qdrant.Distance_Cosine
		}
		err = g.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: spec.Name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(spec.Dimensions),
				Distance: distance,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %q: %w", spec.Name, err)
		}
	}
	g.specs[spec.Name] = spec
	return nil
}

func (g *Gateway) dimensionsOf(collection string) (int, error) {
	spec, ok := g.specs[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return spec.Dimensions, nil
}

func validateVector(vector []float32, dims int) error {
	if len(vector) != dims {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vector), dims)
	}
	for _, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

func pointUUID(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

// Insert upserts one point into collection, validating its vector against
// the collection's registered dimensionality.
func (g *Gateway) Insert(ctx context.Context, collection string, p Point) error {
	dims, err := g.dimensionsOf(collection)
	if err != nil {
		return err
	}
	if err := validateVector(p.Vector, dims); err != nil {
		return err
	}
	uid, remapped := pointUUID(p.ID)
	metaAny := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		metaAny[k] = v
	}
	if remapped {
		metaAny[payloadIDField] = p.ID
	}
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	_, err = g.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uid),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(metaAny),
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point into %q: %w", collection, err)
	}
	return nil
}

// Delete removes a point by its original (caller-facing) id.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	uid, _ := pointUUID(id)
	_, err := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(uid)),
	})
	if err != nil {
		return fmt.Errorf("delete point %q from %q: %w", id, collection, err)
	}
	return nil
}

// Search returns the top-k nearest points to vector, optionally filtered by
// exact-match metadata fields.
func (g *Gateway) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]SearchResult, error) {
	dims, err := g.dimensionsOf(collection)
	if err != nil {
		return nil, err
	}
	if err := validateVector(vector, dims); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qf = &qdrant.Filter{Must: must}
	}

	limit := uint64(k)
	hits, err := g.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", collection, err)
	}

	out := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			uuidStr = hit.Id.String()
		}
		metadata := make(map[string]string)
		var originalID string
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == payloadIDField {
					originalID = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		out = append(out, SearchResult{ID: id, Score: float64(hit.Score), Metadata: metadata})
	}
	return out, nil
}

// Stats reports point count for a registered collection.
func (g *Gateway) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	spec, ok := g.specs[collection]
	if !ok {
		return CollectionStats{}, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	info, err := g.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return CollectionStats{}, fmt.Errorf("get collection info %q: %w", collection, err)
	}
	var count uint64
	if info != nil && info.PointsCount != nil {
		count = *info.PointsCount
	}
	return CollectionStats{Name: collection, Dimensions: spec.Dimensions, PointCount: count}, nil
}
