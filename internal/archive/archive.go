// Package archive stores raw fetched pages so extractions can be
// audited and re-parsed without refetching.
package archive

import (
	"context"
	"strings"

	"github.com/calegis/lawcrawl/internal/pipeline"
)

// Prefixed namespaces every object under a fixed prefix.
type Prefixed struct {
	Inner  pipeline.Archive
	Prefix string
}

// Save prepends the prefix and delegates to the inner archive.
func (p Prefixed) Save(ctx context.Context, objectName string, data []byte) error {
	if p.Prefix == "" {
		return p.Inner.Save(ctx, objectName, data)
	}
	return p.Inner.Save(ctx, strings.TrimRight(p.Prefix, "/")+"/"+objectName, data)
}

// NoOp discards every payload. Used when archiving is disabled.
type NoOp struct{}

// Save does nothing and always returns nil.
func (NoOp) Save(_ context.Context, _ string, _ []byte) error {
	return nil
}
