// Package parquet writes and reads the daily sample archive.
//
// Retention exports each UTC day of samples to one file named
// YYYY-MM-DD.parquet before pruning them from the store. The column names
// match the DuckDB samples table so the files can be queried with
// read_parquet directly.
package parquet
