package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// I/O
	ErrIO = errors.New("i/o error")

	// Structural corruption. Never coerced into a valid state.
	ErrCorruptPage      = errors.New("corrupt page: unknown tag or malformed length")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrCorruptMetadata  = errors.New("corrupt metadata file")
	ErrInvalidMagic     = errors.New("invalid file magic number")

	// Configuration, raised when a tree or store is constructed.
	ErrInvalidConfig    = errors.New("invalid index configuration")
	ErrPageTooSmall     = errors.New("page too small for node layout")
	ErrPageSizeMismatch = errors.New("file page size does not match configured page size")
	ErrKeyTooLarge      = errors.New("key does not fit the configured key buffer")
	ErrInvalidKey       = errors.New("key cannot be encoded")

	// Domain
	ErrDuplicateKey     = errors.New("key already exists")
	ErrKeyNotFound      = errors.New("key not found")
	ErrDBFileExists     = errors.New("database file already exists")
	ErrDBFileNotFound   = errors.New("database file not found")
	ErrPageOutOfRange   = errors.New("page id out of range")
	ErrClosed           = errors.New("index is closed")
	ErrInconsistentRead = errors.New("read returned different bytes than were written")
)
