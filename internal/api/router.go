package api

import (
	"database/sql"
	"net/http"

	"github.com/erazemk/knjiznica/internal/circulation"
	"github.com/erazemk/knjiznica/internal/notify"
)

// NewRouter creates the API router with all endpoints registered. The hub
// should be the notifier the desk was built with.
func NewRouter(db *sql.DB, desk *circulation.Coordinator, hub *notify.Hub, jwtSecret string) http.Handler {
	mux := http.NewServeMux()

	authHandler := &AuthHandler{DB: db, JWTSecret: jwtSecret}
	usersHandler := &UsersHandler{DB: db}
	booksHandler := &BooksHandler{Desk: desk}
	loansHandler := &LoansHandler{Desk: desk}

	authMW := AuthMiddleware(jwtSecret, db)
	librarianOnly := func(h http.HandlerFunc) http.Handler {
		return authMW(RequireLibrarian(h))
	}

	// Public: login.
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)

	mux.Handle("PUT /api/auth/password", authMW(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("POST /api/auth/logout", authMW(http.HandlerFunc(authHandler.Logout)))

	// Users (librarian only).
	mux.Handle("GET /api/users", librarianOnly(usersHandler.List))
	mux.Handle("POST /api/users", librarianOnly(usersHandler.Create))

	// Catalog: read (everyone), write (librarian).
	mux.Handle("GET /api/books", authMW(http.HandlerFunc(booksHandler.List)))
	mux.Handle("POST /api/books", librarianOnly(booksHandler.Create))
	mux.Handle("GET /api/books/{id}", authMW(http.HandlerFunc(booksHandler.Get)))
	mux.Handle("PUT /api/books/{id}/copies", librarianOnly(booksHandler.SetCopies))
	mux.Handle("PUT /api/books/{id}/cover", librarianOnly(booksHandler.UploadCover))
	mux.Handle("GET /api/books/{id}/cover", authMW(http.HandlerFunc(booksHandler.GetCover)))
	mux.Handle("GET /api/books/{id}/loans", librarianOnly(booksHandler.History))

	// Circulation.
	mux.Handle("POST /api/books/{id}/checkout", authMW(http.HandlerFunc(loansHandler.Checkout)))
	mux.Handle("GET /api/loans", authMW(http.HandlerFunc(loansHandler.List)))
	mux.Handle("POST /api/loans/{id}/return", authMW(http.HandlerFunc(loansHandler.Return)))
	mux.Handle("GET /api/audit", librarianOnly(loansHandler.Audit))

	// Live availability feed.
	mux.Handle("GET /api/ws", authMW(hub))

	return mux
}
