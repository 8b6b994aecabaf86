package httpapi

import (
	"io"
	"net/http"

	"weave/internal/blobstore"
)

// AttachmentHandlers exposes the Blob Store Facade (§4.C) as the upload/
// download path Message.Attachment keys are resolved against: a client
// uploads bytes once and references the returned key in a subsequent turn
// request, per §3's "referenced by key, never by value" ownership rule.
type AttachmentHandlers struct {
	Blobs *blobstore.Facade
}

func NewAttachmentHandlers(b *blobstore.Facade) *AttachmentHandlers {
	return &AttachmentHandlers{Blobs: b}
}

func (h *AttachmentHandlers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}

	switch r.Method {
	case http.MethodPost:
		data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		contentType := r.Header.Get("Content-Type")
		meta, err := h.Blobs.Store(r.Context(), caller.ID, "attachment", data, contentType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, meta)

	case http.MethodGet:
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		data, err := h.Blobs.Get(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Write(data)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
