// Package qdrant stores document chunk embeddings in a Qdrant collection.
package qdrant

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/helixir/orchestration-service/internal/config"
)

// maxRecvMsgSize raises the gRPC receive limit for large upsert acknowledgements.
const maxRecvMsgSize = 32 << 20

// Payload keys stored with every point.
const (
	PayloadDocumentID = "document_id"
	PayloadUserID     = "user_id"
	PayloadTenantID   = "tenant_id"
	PayloadChunkIndex = "chunk_index"
	PayloadContent    = "content"
)

// Config holds the configuration for connecting to a Qdrant instance.
type Config struct {
	// Address is the host:port of the Qdrant gRPC endpoint (e.g. "localhost:6334").
	Address        string
	APIKey         string
	UseTLS         bool
	CollectionName string
	// VectorSize is the dimensionality of the embedding vectors.
	VectorSize uint64
}

// ConfigFromSettings maps the service configuration section.
func ConfigFromSettings(cfg config.QdrantConfig) Config {
	return Config{
		Address:        cfg.Address,
		APIKey:         cfg.APIKey,
		UseTLS:         cfg.UseTLS,
		CollectionName: cfg.CollectionName,
		VectorSize:     cfg.VectorSize,
	}
}

// Validate checks that all required Config fields are set.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("qdrant config: address is required")
	}
	if c.CollectionName == "" {
		return fmt.Errorf("qdrant config: collection name is required")
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("qdrant config: vector size must be > 0")
	}
	return nil
}

// ChunkPoint is a chunk embedding to be stored.
type ChunkPoint struct {
	ChunkID    uuid.UUID
	DocumentID string
	UserID     string
	TenantID   string
	Index      int
	Content    string
	Embedding  []float32
}

// VectorStore stores and removes document chunk vectors.
type VectorStore interface {
	// EnsureCollection creates the collection if it does not already exist.
	EnsureCollection(ctx context.Context) error
	// UpsertChunks inserts or replaces points keyed by chunk id.
	UpsertChunks(ctx context.Context, points []ChunkPoint) error
	// DeleteDocument removes every point of a document.
	DeleteDocument(ctx context.Context, documentID string) error
	Close() error
}

var _ VectorStore = (*Client)(nil)

// Client implements VectorStore over gRPC.
type Client struct {
	client         *pb.Client
	collectionName string
	vectorSize     uint64
}

// NewClient creates a client. The gRPC connection is established lazily.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, port, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("qdrant: invalid address %q: %w", cfg.Address, err)
	}

	qdrantClient, err := pb.NewClient(&pb.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &Client{
		client:         qdrantClient,
		collectionName: cfg.CollectionName,
		vectorSize:     cfg.VectorSize,
	}, nil
}

// EnsureCollection creates the collection with cosine distance and a keyword
// index on document_id if it does not exist.
func (c *Client) EnsureCollection(ctx context.Context) error {
	exists, err := c.client.CollectionExists(ctx, c.collectionName)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = c.client.CreateCollection(ctx, &pb.CreateCollection{
		CollectionName: c.collectionName,
		VectorsConfig: pb.NewVectorsConfig(&pb.VectorParams{
			Size:     c.vectorSize,
			Distance: pb.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", c.collectionName, err)
	}

	wait := true
	_, err = c.client.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: c.collectionName,
		Wait:           &wait,
		FieldName:      PayloadDocumentID,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index %s: %w", PayloadDocumentID, err)
	}
	return nil
}

// UpsertChunks writes points in one request. Chunk ids are stable, so a retried
// upsert overwrites rather than duplicates.
func (c *Client) UpsertChunks(ctx context.Context, points []ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		if uint64(len(p.Embedding)) != c.vectorSize {
			return fmt.Errorf("qdrant: chunk %s has %d dimensions, collection expects %d", p.ChunkID, len(p.Embedding), c.vectorSize)
		}
		structs = append(structs, toPointStruct(p))
	}

	wait := true
	_, err := c.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collectionName,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteDocument removes all points whose document_id payload matches.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	wait := true
	_, err := c.client.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collectionName,
		Wait:           &wait,
		Points:         pb.NewPointsSelectorFilter(documentFilter(documentID)),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to delete points of document %s: %w", documentID, err)
	}
	return nil
}

// Close releases the gRPC connection to Qdrant.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func toPointStruct(p ChunkPoint) *pb.PointStruct {
	return &pb.PointStruct{
		Id:      pb.NewIDUUID(p.ChunkID.String()),
		Vectors: pb.NewVectors(p.Embedding...),
		Payload: pb.NewValueMap(map[string]any{
			PayloadDocumentID: p.DocumentID,
			PayloadUserID:     p.UserID,
			PayloadTenantID:   p.TenantID,
			PayloadChunkIndex: int64(p.Index),
			PayloadContent:    p.Content,
		}),
	}
}

func documentFilter(documentID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{pb.NewMatch(PayloadDocumentID, documentID)},
	}
}

// parseAddress splits "host:port" and validates the port.
func parseAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}
