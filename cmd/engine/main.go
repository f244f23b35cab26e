// Copyright (C) 2025 Crucible Network (dev@crucible.network)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command engine starts the Crucible evaluation engine API server.
//
// The engine scores contributions through a fixed assessor contract,
// checks redundancy against pinned archive snapshots, validates
// testability, and allocates epoch-budgeted tokens to qualified work.
//
// Usage:
//
//	go run ./cmd/engine
//	ENGINE_PORT=9090 go run ./cmd/engine
package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/crucible-network/crucible/services/engine"
	"github.com/crucible-network/crucible/services/engine/anchorer"
	"github.com/crucible-network/crucible/services/engine/archive"
	"github.com/crucible-network/crucible/services/engine/calibration"
	"github.com/crucible-network/crucible/services/engine/ledger"
	"github.com/crucible-network/crucible/services/engine/redundancy"
	"github.com/crucible-network/crucible/services/engine/routes"
	"github.com/crucible-network/crucible/services/engine/scoring"
	"github.com/crucible-network/crucible/services/engine/storage/badgerstore"
	"github.com/crucible-network/crucible/services/llm"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "crucible-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("engine-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newArchiveStore picks the live archive backing: weaviate when the env
// points at one, in-process memory otherwise.
func newArchiveStore() archive.Store {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL == "" {
		slog.Info("WEAVIATE_SERVICE_URL not set. Using in-memory archive store.")
		return archive.NewMemoryStore()
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Using in-memory archive store.",
			"url", weaviateURL, "error", err)
		return archive.NewMemoryStore()
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client. Using in-memory archive store.", "error", err)
		return archive.NewMemoryStore()
	}
	if err := archive.EnsureSchema(context.Background(), client); err != nil {
		log.Fatalf("Failed to ensure the archive schema: %v", err)
	}
	slog.Info("Using Weaviate archive store", "host", parsedURL.Host)
	return archive.NewWeaviateStore(client)
}

func main() {
	port := os.Getenv("ENGINE_PORT")
	if port == "" {
		port = "12310"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	storeCfg := badgerstore.DefaultConfig()
	storeCfg.Path = os.Getenv("ENGINE_BADGER_PATH")
	if storeCfg.Path == "" {
		storeCfg.Path = "/data/crucible/records"
	}
	storeCfg.Logger = logger
	db, err := badgerstore.OpenDB(storeCfg)
	if err != nil {
		log.Fatalf("Failed to open the records store: %v", err)
	}
	defer db.Close()

	records := badgerstore.NewRecords(db.DB)

	client, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("Failed to initialize the assessor client: %v", err)
	}
	embedder := llm.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"))

	archives := archive.NewService(newArchiveStore(), records)
	ldg := ledger.New(records)

	eng := engine.New(
		scoring.NewScorer(client),
		redundancy.NewAnalyzer(embedder),
		archives,
		ldg,
		records,
		calibration.NewStore(records),
	)

	registrarURL := os.Getenv("ANCHOR_REGISTRAR_URL")
	if registrarURL == "" {
		registrarURL = "http://crucible-registrar:12410"
		slog.Warn("ANCHOR_REGISTRAR_URL not set, defaulting", "url", registrarURL)
	}
	anc := anchorer.New(anchorer.NewHTTPRegistrar(registrarURL), records)

	router := gin.Default()
	router.Use(otelgin.Middleware("engine-service"))

	routes.SetupRoutes(router, routes.Dependencies{Engine: eng, Anchorer: anc})

	log.Println("Starting the engine server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
