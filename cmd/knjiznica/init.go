package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"

	"github.com/erazemk/knjiznica/internal/store"
)

// seedLibrarian creates the first librarian account when the database has
// none and returns its generated password. An empty password means no account
// was created.
func seedLibrarian(ctx context.Context, database *sql.DB, username string) (string, error) {
	n, err := store.CountLibrarians(ctx, database)
	if err != nil {
		return "", err
	}
	if n > 0 {
		return "", nil
	}

	password, err := generatePassword(16)
	if err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	if _, err := store.CreateUser(ctx, database, username, string(hash), true); err != nil {
		return "", fmt.Errorf("creating librarian: %w", err)
	}
	return password, nil
}

func printSeedResult(dbPath, username, password string) {
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Println()
	fmt.Println("Librarian account created:")
	fmt.Printf("  Username: %s\n", username)
	fmt.Printf("  Password: %s\n", password)
	fmt.Println()
	fmt.Println("Save this password, it cannot be recovered.")
	fmt.Println("It can be changed after logging in.")
	fmt.Println()
}

// generatePassword creates a random password of the given length.
func generatePassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%&*"
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
