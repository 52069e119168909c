package domain

import "errors"

// ErrNotFound indicates no item with the requested id is held by the queue
var ErrNotFound = errors.New("download not found")

// ErrNotFailed indicates a retry was requested for an item that is not failed
var ErrNotFailed = errors.New("download is not in failed state")

// ErrNoSnapshot indicates the snapshot store holds no snapshot yet
var ErrNoSnapshot = errors.New("no snapshot saved")

// ErrInvalidConcurrency indicates a concurrency ceiling below 1
var ErrInvalidConcurrency = errors.New("max concurrent must be at least 1")

// ErrInvalidRequest indicates a download request without an id
var ErrInvalidRequest = errors.New("download request requires an id")

// ErrClosed indicates the queue has been shut down
var ErrClosed = errors.New("download queue is closed")
