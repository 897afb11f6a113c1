//go:build embed

package embedCheck

import _ "embed"

// EmbeddedBytes is the image built into the binary from the file "preload",
// raw or sealed.
//
//go:embed preload
var EmbeddedBytes []byte

var IsEmbedded = len(EmbeddedBytes) > 0
