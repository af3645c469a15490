package backend

import (
	"github.com/gorilla/handlers"
)

// handleCompression compresses response bodies when the client asks for it
// through Accept-Encoding.
func (b *Backend) handleCompression() {
	b.router.Use(handlers.CompressHandler)
}
