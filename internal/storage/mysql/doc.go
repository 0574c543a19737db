// Package mysql persists conversations, tasks, actions and documents in MySQL.
// It embeds the schema migrations and applies action reconciliation inside a
// single transaction per task upsert.
package mysql
