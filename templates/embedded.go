// Package templates provides the digest templates compiled into the binary.
package templates

import "embed"

// EmbeddedTemplates provides read-only access to the default digest templates.
//
//go:embed *.tmpl
var EmbeddedTemplates embed.FS
