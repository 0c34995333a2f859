package internal

import "errors"

var ErrLinkNotFound = errors.New("link not found")
var ErrCodeCollision = errors.New("short code already in use by another URL")
var ErrAliasTaken = errors.New("alias already in use")
var ErrQRExists = errors.New("qr code already generated")
var ErrQRNotFound = errors.New("no qr code for this link")

var ErrUserNotFound = errors.New("user not found")
var ErrUsernameTaken = errors.New("username already in use")
var ErrEmailTaken = errors.New("email already in use")
