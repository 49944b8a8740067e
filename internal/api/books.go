package api

import (
	"net/http"
	"strconv"

	"github.com/erazemk/knjiznica/internal/circulation"
	"github.com/erazemk/knjiznica/internal/cover"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// BooksHandler handles catalog endpoints.
type BooksHandler struct {
	Desk *circulation.Coordinator
}

type createBookRequest struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	Copies *int   `json:"copies"`
}

type setCopiesRequest struct {
	TotalCopies int `json:"total_copies"`
}

// pathID parses the {id} path segment.
func pathID(w http.ResponseWriter, r *http.Request, what string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, http.StatusBadRequest, "invalid "+what+" id")
		return 0, false
	}
	return id, true
}

// List handles GET /api/books.
func (h *BooksHandler) List(w http.ResponseWriter, r *http.Request) {
	books, err := store.Collect(h.Desk.ListBooks(r.Context(), r.URL.Query().Get("search")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if books == nil {
		books = []model.Book{}
	}
	jsonResponse(w, http.StatusOK, books)
}

// Create handles POST /api/books.
func (h *BooksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Copies default to one only when the field is left out.
	copies := 1
	if req.Copies != nil {
		copies = *req.Copies
	}

	book, err := h.Desk.AddBook(r.Context(), GetClaims(r.Context()).Caller(), req.Title, req.Author, req.ISBN, copies)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusCreated, book)
}

// Get handles GET /api/books/{id}.
func (h *BooksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "book")
	if !ok {
		return
	}

	book, err := h.Desk.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, book)
}

// SetCopies handles PUT /api/books/{id}/copies.
func (h *BooksHandler) SetCopies(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "book")
	if !ok {
		return
	}

	var req setCopiesRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	book, err := h.Desk.SetTotalCopies(r.Context(), GetClaims(r.Context()).Caller(), id, req.TotalCopies)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, book)
}

// UploadCover handles PUT /api/books/{id}/cover.
func (h *BooksHandler) UploadCover(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "book")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, cover.MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(cover.MaxUploadSize); err != nil {
		jsonError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "image file required")
		return
	}
	defer file.Close()

	if err := h.Desk.SetCover(r.Context(), GetClaims(r.Context()).Caller(), id, file); err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "cover uploaded"})
}

// GetCover handles GET /api/books/{id}/cover.
func (h *BooksHandler) GetCover(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "book")
	if !ok {
		return
	}

	data, mime, err := h.Desk.Cover(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if data == nil {
		jsonError(w, http.StatusNotFound, "no cover")
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// History handles GET /api/books/{id}/loans.
func (h *BooksHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "book")
	if !ok {
		return
	}

	if _, err := h.Desk.GetBook(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	loans, err := store.Collect(h.Desk.LoanHistory(r.Context(), id))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if loans == nil {
		loans = []model.Loan{}
	}
	jsonResponse(w, http.StatusOK, loans)
}
