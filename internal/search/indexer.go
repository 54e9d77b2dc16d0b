// Package search maintains the message search index. Indexing is best-effort:
// callers treat every error as non-fatal, and a circuit breaker short-circuits
// submits while the search cluster is misbehaving so message delivery never
// waits on a sick dependency.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/sony/gobreaker/v2"

	"chatpulse/internal/config"
	"chatpulse/internal/types"
)

// MessageDocument is the shape of a chat message in the search index.
type MessageDocument struct {
	ID               string    `json:"id"`
	Content          string    `json:"content"`
	SenderID         string    `json:"senderId"`
	SenderUsername   string    `json:"senderUsername"`
	ReceiverID       string    `json:"receiverId"`
	ReceiverUsername string    `json:"receiverUsername"`
	ConversationID   string    `json:"conversationId"`
	Origin           string    `json:"origin"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Indexer submits message documents to Elasticsearch through a circuit
// breaker. The transport is consumed through esapi.Transport so tests run
// against a stub instead of a live cluster.
type Indexer struct {
	es      esapi.Transport
	breaker *gobreaker.CircuitBreaker[*esapi.Response]
	index   string
	logger  *slog.Logger
}

// NewIndexer connects to the configured Elasticsearch cluster.
func NewIndexer(cfg config.SearchConfig, logger *slog.Logger) (*Indexer, error) {
	esCfg := elasticsearch.Config{Addresses: cfg.Addresses}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("search: creating elasticsearch client: %w", err)
	}

	return NewIndexerWithTransport(es, cfg.Index, logger), nil
}

// NewIndexerWithTransport builds an Indexer over an existing transport.
func NewIndexerWithTransport(transport esapi.Transport, index string, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker[*esapi.Response](gobreaker.Settings{
		Name:        "elasticsearch",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Indexer{
		es:      transport,
		breaker: breaker,
		index:   index,
		logger:  logger,
	}
}

// IndexMessage submits one message document. An open breaker or a cluster
// error surfaces as an upstream AppError; the caller decides whether that is
// fatal.
func (ix *Indexer) IndexMessage(ctx context.Context, doc MessageDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("search: marshaling document %s: %w", doc.ID, err)
	}

	res, err := ix.breaker.Execute(func() (*esapi.Response, error) {
		req := esapi.IndexRequest{
			Index:      ix.index,
			DocumentID: doc.ID,
			Body:       bytes.NewReader(body),
			Refresh:    "false",
		}
		return req.Do(ctx, ix.es)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.NewAppError(types.ErrCodeUpstreamSearch,
				"search circuit breaker is open", err)
		}
		return types.NewAppError(types.ErrCodeUpstreamSearch,
			fmt.Sprintf("failed to index message %s", doc.ID), err)
	}
	defer res.Body.Close()

	if res.IsError() {
		detail, readErr := io.ReadAll(res.Body)
		if readErr != nil {
			detail = []byte(res.Status())
		}
		return types.NewAppError(types.ErrCodeUpstreamSearch,
			fmt.Sprintf("index rejected message %s: %s", doc.ID, detail), nil)
	}
	return nil
}

// DeleteMessage removes a message document. A missing document is not an
// error.
func (ix *Indexer) DeleteMessage(ctx context.Context, id string) error {
	res, err := ix.breaker.Execute(func() (*esapi.Response, error) {
		req := esapi.DeleteRequest{
			Index:      ix.index,
			DocumentID: id,
		}
		return req.Do(ctx, ix.es)
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamSearch,
			fmt.Sprintf("failed to delete message %s from index", id), err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != 404 {
		return types.NewAppError(types.ErrCodeUpstreamSearch,
			fmt.Sprintf("index rejected delete of message %s: %s", id, res.Status()), nil)
	}
	return nil
}
