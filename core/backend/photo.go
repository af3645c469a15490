package backend

import (
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/campdir/campdir/core"
	"github.com/campdir/campdir/core/access"
	"github.com/campdir/campdir/core/logger"
)

// photoSizeLimit is the maximum accepted photo upload size in bytes.
const photoSizeLimit = 1 << 20

// payloadKey is the storage key of a record's file payload.
func payloadKey(m *resourceModel, id uuid.UUID, filename string) string {
	return m.Resource + "/" + id.String() + "/" + filename
}

// collectionUploadPhoto handles PUT of a photo payload for a single
// record. The photo's filename is recorded in the document's photo
// property. Ownership rules are the same as for update.
func (b *Backend) collectionUploadPhoto(m *resourceModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := b.guard(r, m, core.OperationUpdate)
		if err != nil {
			writeError(w, r, err)
			return
		}
		id, err := routeUUID(r, m.idColumn)
		if err != nil {
			writeError(w, r, err)
			return
		}
		current, err := b.repository.Get(r.Context(), m.Resource, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if m.Owned && !access.CanMutateOwned(principal, current.Owner(), m.elevatedRoles()...) {
			writeError(w, r, mutationDenied(principal, "update", m.Resource))
			return
		}

		if err := r.ParseMultipartForm(photoSizeLimit); err != nil {
			writeError(w, r, validationf("please upload a file"))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, validationf("please upload a file"))
			return
		}
		defer file.Close()

		if header.Size > photoSizeLimit {
			writeError(w, r, validationf("please upload an image less than %d bytes", photoSizeLimit))
			return
		}
		if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
			writeError(w, r, validationf("please upload an image file"))
			return
		}

		filename := "photo_" + id.String() + strings.ToLower(path.Ext(header.Filename))
		if err := b.kssDriver.Store(r.Context(), payloadKey(m, id, filename), file); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := b.repository.Update(r.Context(), m.Resource, id, Document{"photo": filename}); err != nil {
			writeError(w, r, err)
			return
		}
		b.notify(r.Context(), m.Resource, core.OperationUpdate, id)
		writeData(w, http.StatusOK, filename)
	}
}

// collectionReadPhoto streams the record's photo payload.
func (b *Backend) collectionReadPhoto(m *resourceModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := b.guard(r, m, core.OperationRead); err != nil {
			writeError(w, r, err)
			return
		}
		id, err := routeUUID(r, m.idColumn)
		if err != nil {
			writeError(w, r, err)
			return
		}
		doc, err := b.repository.Get(r.Context(), m.Resource, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filename, ok := doc["photo"].(string)
		if !ok || filename == "" {
			writeError(w, r, notFoundf("this %s has no photo", m.Resource))
			return
		}
		if contentType := mime.TypeByExtension(path.Ext(filename)); contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		if err := b.kssDriver.Load(r.Context(), payloadKey(m, id, filename), w); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("cannot load photo payload")
		}
	}
}

// deletePayloads removes all file payloads of a deleted record.
// Best-effort, a failure is logged but does not fail the deletion.
func (b *Backend) deletePayloads(r *http.Request, m *resourceModel, id uuid.UUID) {
	if err := b.kssDriver.DeleteAllWithPrefix(r.Context(), m.Resource+"/"+id.String()+"/"); err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot delete file payloads of", m.Resource, id)
	}
}
