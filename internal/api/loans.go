package api

import (
	"net/http"
	"time"

	"github.com/erazemk/knjiznica/internal/circulation"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// LoansHandler handles checkout, return and loan listing endpoints.
type LoansHandler struct {
	Desk *circulation.Coordinator
}

// Checkout handles POST /api/books/{id}/checkout.
func (h *LoansHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "book")
	if !ok {
		return
	}

	loan, err := h.Desk.Checkout(r.Context(), GetClaims(r.Context()).UserID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, loan)
}

// Return handles POST /api/loans/{id}/return.
func (h *LoansHandler) Return(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	loan, err := h.Desk.ReturnBook(r.Context(), GetClaims(r.Context()).Caller(), id, time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, loan)
}

// List handles GET /api/loans. Librarians see every open loan, everyone else
// their own.
func (h *LoansHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var userID int64
	if !claims.IsLibrarian {
		userID = claims.UserID
	}

	loans, err := store.Collect(h.Desk.OpenLoansFor(r.Context(), userID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if loans == nil {
		loans = []model.Loan{}
	}
	jsonResponse(w, http.StatusOK, loans)
}

// Audit handles GET /api/audit.
func (h *LoansHandler) Audit(w http.ResponseWriter, r *http.Request) {
	mismatches, err := h.Desk.Audit(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if mismatches == nil {
		mismatches = []circulation.Mismatch{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"consistent": len(mismatches) == 0,
		"mismatches": mismatches,
	})
}
