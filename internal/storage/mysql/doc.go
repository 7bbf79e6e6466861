// Package mysql persists conversation transcripts and archive receipts.
// It offers a file-backed repository for local development and a MySQL
// repository that applies the embedded schema migrations on start.
package mysql
