// Package event defines the analytics event record and the store contract
// the submission pipeline reads payloads from.
package event
