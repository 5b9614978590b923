package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"docsign.org/internal/signing"
)

type sendRequest struct {
	Recipients []signing.RecipientInput `json:"recipients"`
}

type renderRequest struct {
	Name  string              `json:"name"`
	Pages []signing.PageImage `json:"pages"`
}

type submitRequest struct {
	Fields []signing.Field     `json:"fields"`
	Pages  []signing.PageImage `json:"pages"`
}

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := a.engine.ListDocuments(r.Context(), currentUserID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (a *API) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var in signing.DocumentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := a.engine.CreateDocument(r.Context(), currentUserID(r), in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.engine.GetDocument(r.Context(), chi.URLParam(r, "id"), currentUserID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var in signing.DocumentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := a.engine.UpdateDocument(r.Context(), chi.URLParam(r, "id"), currentUserID(r), in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeleteDocument(r.Context(), chi.URLParam(r, "id"), currentUserID(r)); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSendForSignature(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reqs, err := a.engine.SendForSignature(r.Context(), chi.URLParam(r, "id"), currentUserID(r), req.Recipients)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"signatureRequests": reqs,
	})
}

func (a *API) handleDocumentRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := a.engine.DocumentRequests(r.Context(), chi.URLParam(r, "id"), currentUserID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signatureRequests": reqs})
}

func (a *API) handleSignedPDF(w http.ResponseWriter, r *http.Request) {
	doc, data, err := a.engine.SignedPDF(r.Context(), chi.URLParam(r, "id"), currentUserID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	name := pdfFilename(doc.Name)
	writePDF(w, name[:len(name)-len(".pdf")]+"_signed.pdf", data)
}

func (a *API) handleRenderPDF(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Pages) == 0 {
		writeError(w, r, http.StatusBadRequest, "at least one page is required")
		return
	}
	data, err := a.engine.RenderPDF(req.Pages)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writePDF(w, pdfFilename(req.Name), data)
}

func (a *API) handleSendTemplate(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	results, err := a.engine.SendTemplate(r.Context(), chi.URLParam(r, "id"), currentUserID(r), req.Recipients)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"sent":    results,
	})
}

// Signer endpoints are reached through the emailed link and carry no session.

func (a *API) handleViewSigning(w http.ResponseWriter, r *http.Request) {
	view, err := a.engine.ViewByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSubmitSigning(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.engine.SubmitSignature(r.Context(), chi.URLParam(r, "token"), req.Fields, req.Pages)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"allSigned": res.AllSigned,
	})
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusBadRequest, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "multipart form with a file field is required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "no file")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, signing.MaxUploadBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	up, err := a.engine.StoreUpload(r.Context(), currentUserID(r), header.Filename, data)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}
