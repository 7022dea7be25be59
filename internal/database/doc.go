// Package database provides the PostgreSQL connection pool used by the
// record archive.
package database
