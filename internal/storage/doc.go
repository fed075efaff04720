// Package storage holds the append-only sample store and its supporting
// services.
//
// Architecture:
//
//	┌─────────────┐     ┌──────────────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│     Sample Store      │────▶│    Query    │
//	│   Service   │     │ duckdb | memory+WAL | │     │   Service   │
//	└─────────────┘     │       postgres        │     └─────────────┘
//	                    └──────────────────────┘
//	                               │
//	                               ▼
//	                    ┌──────────────────────┐
//	                    │ Retention + Parquet  │
//	                    │       archive        │
//	                    └──────────────────────┘
//
// Samples are write-once. Every backend reads a request's samples from a
// single consistent snapshot, so a response never mixes the before and
// after state of a bucket.
package storage
