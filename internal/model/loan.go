package model

import "time"

// DefaultLoanPeriod is how long a borrower may keep a copy.
const DefaultLoanPeriod = 14 * 24 * time.Hour

// Loan records one copy of a book lent to a user.
// A nil ReturnDate means the loan is open.
type Loan struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	BookID     int64      `json:"book_id"`
	LoanDate   time.Time  `json:"loan_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
}

// Open reports whether the copy is still out.
func (l Loan) Open() bool {
	return l.ReturnDate == nil
}

// Overdue reports whether an open loan is past its due date at now.
func (l Loan) Overdue(now time.Time) bool {
	return l.Open() && now.After(l.DueDate)
}
