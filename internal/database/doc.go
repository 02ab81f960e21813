// Package database opens the PostgreSQL pool used by the envelope journal.
package database
