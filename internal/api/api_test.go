package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/erazemk/knjiznica/internal/auth"
	"github.com/erazemk/knjiznica/internal/circulation"
	"github.com/erazemk/knjiznica/internal/db"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/notify"
	"github.com/erazemk/knjiznica/internal/store"
)

const testJWTSecret = "test-secret"

type testServer struct {
	*httptest.Server
	db    *sql.DB
	hub   *notify.Hub
	token string // librarian
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	database := db.NewTestDB(t)
	hub := notify.NewHub()
	desk := circulation.New(database, circulation.WithNotifier(hub))
	server := httptest.NewServer(LoggingMiddleware(NewRouter(database, desk, hub, testJWTSecret)))
	t.Cleanup(server.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = store.CreateUser(context.Background(), database, "librarian", string(hash), true)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"username": "librarian", "password": "password"})
	resp, err := http.Post(server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "login")

	var login loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login.Token)
	assert.True(t, login.IsLibrarian)

	return &testServer{Server: server, db: database, hub: hub, token: login.Token}
}

// reader creates a non-librarian account and returns a token for it.
func (s *testServer) reader(t *testing.T, username string) string {
	t.Helper()
	user, err := store.CreateUser(context.Background(), s.db, username, "x", false)
	require.NoError(t, err)
	token, err := auth.GenerateToken(testJWTSecret, user)
	require.NoError(t, err)
	return token
}

// do sends a JSON request and decodes the response body into out, if given.
func (s *testServer) do(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) addBook(t *testing.T, isbn string, copies int) model.Book {
	t.Helper()
	var book model.Book
	status := s.do(t, "POST", "/api/books", s.token, map[string]any{
		"title": "Dune", "author": "Frank Herbert", "isbn": isbn, "copies": copies,
	}, &book)
	require.Equal(t, http.StatusCreated, status)
	return book
}

func TestLoginEndpoint(t *testing.T) {
	s := setupTestServer(t)

	status := s.do(t, "POST", "/api/auth/login", "", map[string]string{"username": "librarian", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status = s.do(t, "POST", "/api/auth/login", "", map[string]string{"username": "nobody", "password": "password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status = s.do(t, "POST", "/api/auth/login", "", map[string]string{"username": "librarian"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnauthenticatedAccess(t *testing.T) {
	s := setupTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, "GET", "/api/books", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "GET", "/api/books", "garbage", nil, nil))
}

func TestLibrarianOnlyEndpoints(t *testing.T) {
	s := setupTestServer(t)
	token := s.reader(t, "ana")
	book := s.addBook(t, "9780441013593", 1)

	status := s.do(t, "POST", "/api/books", token, map[string]any{
		"title": "T", "author": "A", "isbn": "1", "copies": 1,
	}, nil)
	assert.Equal(t, http.StatusForbidden, status)

	assert.Equal(t, http.StatusForbidden, s.do(t, "GET", "/api/users", token, nil, nil))
	assert.Equal(t, http.StatusForbidden, s.do(t, "GET", "/api/audit", token, nil, nil))
	assert.Equal(t, http.StatusForbidden, s.do(t, "PUT", "/api/books/1/copies", token, map[string]int{"total_copies": 5}, nil))

	// Reading the catalog is open to everyone.
	var got model.Book
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books/1", token, nil, &got))
	assert.Equal(t, book, got)
}

func TestCreateBookValidation(t *testing.T) {
	s := setupTestServer(t)
	s.addBook(t, "9780441013593", 2)

	status := s.do(t, "POST", "/api/books", s.token, map[string]any{
		"title": "Other", "author": "Someone", "isbn": "9780441013593", "copies": 1,
	}, nil)
	assert.Equal(t, http.StatusConflict, status, "duplicate isbn")

	status = s.do(t, "POST", "/api/books", s.token, map[string]any{
		"title": "", "author": "Someone", "isbn": "123", "copies": 1,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "empty title")

	status = s.do(t, "POST", "/api/books", s.token, map[string]any{
		"title": "T", "author": "A", "isbn": "123", "copies": -1,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "negative copies")

	status = s.do(t, "POST", "/api/books", s.token, map[string]any{
		"title": "T", "author": "A", "isbn": "123", "copies": 0,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "zero copies")

	var book model.Book
	status = s.do(t, "POST", "/api/books", s.token, map[string]any{
		"title": "T", "author": "A", "isbn": "123",
	}, &book)
	require.Equal(t, http.StatusCreated, status, "copies omitted")
	assert.Equal(t, 1, book.TotalCopies)
}

func TestListBooksSearch(t *testing.T) {
	s := setupTestServer(t)
	s.addBook(t, "111", 1)
	s.do(t, "POST", "/api/books", s.token, map[string]any{
		"title": "Emma", "author": "Jane Austen", "isbn": "222", "copies": 1,
	}, nil)

	var books []model.Book
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books", s.token, nil, &books))
	assert.Len(t, books, 2)

	books = nil
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books?search=austen", s.token, nil, &books))
	require.Len(t, books, 1)
	assert.Equal(t, "Emma", books[0].Title)

	books = nil
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books?search=nothing", s.token, nil, &books))
	assert.NotNil(t, books)
	assert.Empty(t, books)
}

func TestCheckoutReturnFlow(t *testing.T) {
	s := setupTestServer(t)
	ana := s.reader(t, "ana")
	bor := s.reader(t, "bor")
	book := s.addBook(t, "9780441013593", 1)

	var loan model.Loan
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/books/1/checkout", ana, nil, &loan))
	assert.Equal(t, book.ID, loan.BookID)
	assert.Nil(t, loan.ReturnDate)

	var got model.Book
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books/1", ana, nil, &got))
	assert.Equal(t, 0, got.AvailableCopies)

	assert.Equal(t, http.StatusConflict, s.do(t, "POST", "/api/books/1/checkout", bor, nil, nil), "no copies left")
	assert.Equal(t, http.StatusNotFound, s.do(t, "POST", "/api/books/99/checkout", bor, nil, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/books/abc/checkout", bor, nil, nil))

	// A valid token for an account that no longer exists.
	ghost, err := auth.GenerateToken(testJWTSecret, &model.User{ID: 999, Username: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, s.do(t, "POST", "/api/books/1/checkout", ghost, nil, nil))

	var mine []model.Loan
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/loans", ana, nil, &mine))
	assert.Len(t, mine, 1)

	var theirs []model.Loan
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/loans", bor, nil, &theirs))
	assert.Empty(t, theirs)

	assert.Equal(t, http.StatusForbidden, s.do(t, "POST", "/api/loans/1/return", bor, nil, nil), "stranger's loan")

	var returned model.Loan
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/loans/1/return", ana, nil, &returned))
	assert.NotNil(t, returned.ReturnDate)

	assert.Equal(t, http.StatusConflict, s.do(t, "POST", "/api/loans/1/return", ana, nil, nil), "already returned")
	assert.Equal(t, http.StatusNotFound, s.do(t, "POST", "/api/loans/42/return", ana, nil, nil))

	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books/1", ana, nil, &got))
	assert.Equal(t, 1, got.AvailableCopies)

	var history []model.Loan
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books/1/loans", s.token, nil, &history))
	assert.Len(t, history, 1)

	var audit struct {
		Consistent bool                   `json:"consistent"`
		Mismatches []circulation.Mismatch `json:"mismatches"`
	}
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/audit", s.token, nil, &audit))
	assert.True(t, audit.Consistent)
	assert.Empty(t, audit.Mismatches)
}

func TestLibrarianReturnsAnyLoan(t *testing.T) {
	s := setupTestServer(t)
	ana := s.reader(t, "ana")
	s.addBook(t, "111", 2)

	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/books/1/checkout", ana, nil, nil))

	var all []model.Loan
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/loans", s.token, nil, &all))
	assert.Len(t, all, 1)

	assert.Equal(t, http.StatusOK, s.do(t, "POST", "/api/loans/1/return", s.token, nil, nil))
}

func TestSetCopies(t *testing.T) {
	s := setupTestServer(t)
	ana := s.reader(t, "ana")
	s.addBook(t, "111", 2)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/books/1/checkout", ana, nil, nil))

	var book model.Book
	require.Equal(t, http.StatusOK, s.do(t, "PUT", "/api/books/1/copies", s.token, map[string]int{"total_copies": 5}, &book))
	assert.Equal(t, 5, book.TotalCopies)
	assert.Equal(t, 4, book.AvailableCopies)

	assert.Equal(t, http.StatusBadRequest, s.do(t, "PUT", "/api/books/1/copies", s.token, map[string]int{"total_copies": 0}, nil), "below open loans")
	assert.Equal(t, http.StatusNotFound, s.do(t, "PUT", "/api/books/9/copies", s.token, map[string]int{"total_copies": 1}, nil))
}

func TestCoverUpload(t *testing.T) {
	s := setupTestServer(t)
	s.addBook(t, "111", 1)

	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/books/1/cover", s.token, nil, nil), "no cover yet")

	img := image.NewRGBA(image.Rect(0, 0, 40, 60))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var pngData bytes.Buffer
	require.NoError(t, png.Encode(&pngData, img))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "cover.png")
	require.NoError(t, err)
	_, err = part.Write(pngData.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("PUT", s.URL+"/api/books/1/cover", &body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest("GET", s.URL+"/api/books/1/cover", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func TestLogoutRevokesToken(t *testing.T) {
	s := setupTestServer(t)

	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/books", s.token, nil, nil))
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/auth/logout", s.token, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "GET", "/api/books", s.token, nil, nil))
}

func TestChangePassword(t *testing.T) {
	s := setupTestServer(t)

	status := s.do(t, "PUT", "/api/auth/password", s.token, map[string]string{
		"current_password": "password", "new_password": "short",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = s.do(t, "PUT", "/api/auth/password", s.token, map[string]string{
		"current_password": "wrong-one", "new_password": "longer-password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status = s.do(t, "PUT", "/api/auth/password", s.token, map[string]string{
		"current_password": "password", "new_password": "longer-password",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status = s.do(t, "POST", "/api/auth/login", "", map[string]string{"username": "librarian", "password": "longer-password"}, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestUsersAPI(t *testing.T) {
	s := setupTestServer(t)

	status := s.do(t, "POST", "/api/users", s.token, map[string]any{"username": "ana", "password": "ana-password"}, nil)
	require.Equal(t, http.StatusCreated, status)

	status = s.do(t, "POST", "/api/users", s.token, map[string]any{"username": "ana", "password": "ana-password"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var users []model.User
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/users", s.token, nil, &users))
	assert.Len(t, users, 2)
}

func TestAvailabilityFeed(t *testing.T) {
	s := setupTestServer(t)
	ana := s.reader(t, "ana")
	s.addBook(t, "111", 2)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err, "feed requires a token")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + ana}})
	require.NoError(t, err)
	defer conn.Close()

	// The hub registers the client after the handshake completes.
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/books/1/checkout", ana, nil, nil))

	var ev notify.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, notify.Event{Type: "availability", BookID: 1, Version: 1, TotalCopies: 2, AvailableCopies: 1}, ev)
}
