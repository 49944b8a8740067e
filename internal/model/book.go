package model

import "time"

// Book represents a catalog entry and the number of its copies on the shelf.
type Book struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	Version         int64     `json:"version"` // bumped on every change to the copy counts
	CoverMime       string    `json:"cover_mime,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OnLoan returns the number of copies currently out with borrowers.
func (b Book) OnLoan() int {
	return b.TotalCopies - b.AvailableCopies
}
