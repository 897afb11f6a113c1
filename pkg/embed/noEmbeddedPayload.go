//go:build !embed

package embedCheck

// EmbeddedBytes is empty unless the binary is built with the embed tag and a
// "preload" file next to this package.
var EmbeddedBytes []byte

var IsEmbedded = false
