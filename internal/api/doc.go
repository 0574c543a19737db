// Package api exposes the conversation, ledger and run endpoints over HTTP.
package api
