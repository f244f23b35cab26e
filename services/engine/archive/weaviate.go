// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// archiveClassName is the Weaviate class holding qualified embeddings.
const archiveClassName = "ArchiveItem"

// queryPageSize bounds one page of the snapshot-pinning scan.
const queryPageSize = 500

// GetArchiveItemSchema returns the schema for the ArchiveItem class.
//
// Vectors come from our own embedder, so the class vectorizer is "none";
// Weaviate only stores and indexes what we hand it.
func GetArchiveItemSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       archiveClassName,
		Description: "A qualified contribution embedding in the archive of prior work.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "content_hash",
				DataType:        []string{"text"},
				Description:     "Stable content identity of the qualified submission.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "sandbox_id",
				DataType:        []string{"text"},
				Description:     "Tenant sandbox the item belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the ArchiveItem class if it does not exist.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetArchiveItemSchema()
	exists, err := client.Schema().ClassExistenceChecker().WithClassName(class.Class).Do(ctx)
	if err != nil {
		return fmt.Errorf("check schema for class %s: %w", class.Class, err)
	}
	if exists {
		return nil
	}
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Created archive schema", "class", class.Class)
	return nil
}

// WeaviateStore is the Weaviate-backed live archive.
type WeaviateStore struct {
	client *weaviate.Client
}

func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// Add implements the Store interface.
func (w *WeaviateStore) Add(ctx context.Context, sandboxID string, item Item) error {
	_, err := w.client.Data().Creator().
		WithClassName(archiveClassName).
		WithProperties(map[string]interface{}{
			"content_hash": item.Hash,
			"sandbox_id":   sandboxID,
		}).
		WithVector(item.Vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate create archive item: %w", err)
	}
	return nil
}

// archiveQueryResponse mirrors the GraphQL response shape for the
// ArchiveItem class.
type archiveQueryResponse struct {
	Get struct {
		ArchiveItem []struct {
			ContentHash string `json:"content_hash"`
			Additional  struct {
				Vector []float32 `json:"vector"`
			} `json:"_additional"`
		} `json:"ArchiveItem"`
	} `json:"Get"`
}

// Items implements the Store interface. The full qualified set of a
// sandbox is paged out of Weaviate; this runs once per evaluation at
// snapshot-pin time.
func (w *WeaviateStore) Items(ctx context.Context, sandboxID string) ([]Item, error) {
	where := filters.Where().
		WithPath([]string{"sandbox_id"}).
		WithOperator(filters.Equal).
		WithValueString(sandboxID)

	fields := []graphql.Field{
		{Name: "content_hash"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "vector"},
		}},
	}

	var items []Item
	for offset := 0; ; offset += queryPageSize {
		resp, err := w.client.GraphQL().Get().
			WithClassName(archiveClassName).
			WithFields(fields...).
			WithWhere(where).
			WithLimit(queryPageSize).
			WithOffset(offset).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("weaviate archive scan failed: %w", err)
		}

		parsed, err := parseGraphQLResponse[archiveQueryResponse](resp)
		if err != nil {
			return nil, fmt.Errorf("parse archive scan: %w", err)
		}

		for _, obj := range parsed.Get.ArchiveItem {
			items = append(items, Item{Hash: obj.ContentHash, Vector: obj.Additional.Vector})
		}
		if len(parsed.Get.ArchiveItem) < queryPageSize {
			break
		}
	}
	return items, nil
}

// parseGraphQLResponse converts Weaviate's dynamic response
// (map[string]models.JSONObject) into a strongly-typed struct via the
// marshal/unmarshal round trip the client requires.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("GraphQL error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}
