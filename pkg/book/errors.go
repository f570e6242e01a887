package book

import "errors"

var (
	ErrInvalidOrder  = errors.New("book: order has zero or missing amounts")
	ErrOrderNotFound = errors.New("book: order not found")
	ErrNotOwner      = errors.New("book: caller does not own this order")
)
