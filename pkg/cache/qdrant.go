package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantIndex implements VectorIndex on a Qdrant collection. All buckets
// share one collection; the bucket name is stored as point payload and
// applied as a query filter, so a search never crosses bucket boundaries.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

// NewQdrantIndex connects to Qdrant and ensures the collection exists with
// cosine distance configured.
func NewQdrantIndex(host string, port int, collection string, dimensions int) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	idx := &QdrantIndex{
		client:     client,
		collection: collection,
		dimensions: dimensions,
	}
	if err := idx.ensureCollection(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection() error {
	exists, err := q.client.CollectionExists(context.Background(), q.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", q.collection, err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(context.Background(), &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

// pointID derives a stable UUID from bucket and key so repeated inserts of
// the same derived key upsert the same point.
func pointID(bucket, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(bucket+"\n"+key)).String()
}

// Insert implements VectorIndex via an idempotent upsert.
func (q *QdrantIndex) Insert(ctx context.Context, bucket, key string, vector []float32) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(pointID(bucket, key)),
				Vectors: qdrant.NewVectorsDense(vector),
				Payload: qdrant.NewValueMap(map[string]any{
					"bucket": bucket,
					"key":    key,
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

// Query implements VectorIndex. Qdrant scores cosine queries by similarity
// in [-1, 1]; converted here to cosine distance 1 - score so both index
// implementations speak the same unit.
func (q *QdrantIndex) Query(ctx context.Context, bucket string, vector []float32, topK int) ([]Match, error) {
	limit := uint64(topK)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("bucket", bucket),
			},
		},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query qdrant: %w", err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		keyVal, ok := p.Payload["key"]
		if !ok {
			continue
		}
		matches = append(matches, Match{
			Key:      keyVal.GetStringValue(),
			Distance: 1 - float64(p.Score),
		})
	}
	return matches, nil
}
