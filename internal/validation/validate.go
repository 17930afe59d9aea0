// Package validation checks bucket names and object keys before they reach
// the storage backend. Failures are reported as InvalidArgument errors so the
// gateway can answer the client without a round trip.
package validation

import (
	"errors"
	"net"
	"path"
	"strings"
	"unicode"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

const (
	minBucketLength = 3
	maxBucketLength = 63

	// MaxKeyLength is the longest object key S3 accepts, in bytes.
	MaxKeyLength = 1024
)

// ValidateBucketName validates that a bucket name is DNS-compliant according
// to the S3 naming rules.
func ValidateBucketName(bucket string) error {
	switch {
	case bucket == "":
		return invalidBucket(bucket, "bucket name cannot be empty")
	case len(bucket) < minBucketLength || len(bucket) > maxBucketLength:
		return invalidBucket(bucket, "bucket name must be between 3 and 63 characters long")
	}

	for _, char := range bucket {
		if !isValidBucketChar(char) {
			return invalidBucket(bucket, "bucket name can only contain lowercase letters, numbers, dots, and hyphens")
		}
	}

	first, last := bucket[0], bucket[len(bucket)-1]
	switch {
	case first == '-' || first == '.' || last == '-' || last == '.':
		return invalidBucket(bucket, "bucket name cannot start or end with a hyphen or dot")
	case net.ParseIP(bucket) != nil:
		return invalidBucket(bucket, "bucket name cannot be formatted as an IP address")
	case strings.Contains(bucket, "..") || strings.Contains(bucket, ".-") || strings.Contains(bucket, "-."):
		return invalidBucket(bucket, "bucket name cannot contain adjacent dots or dot-hyphen pairs")
	}

	return nil
}

// ValidateObjectKey validates an object key: non-empty, at most 1024 bytes,
// no path traversal and no control characters.
func ValidateObjectKey(key string) error {
	switch {
	case key == "":
		return invalidKey(key, "object key cannot be empty")
	case len(key) > MaxKeyLength:
		return invalidKey(key, "object key cannot exceed 1024 bytes")
	case hasPathTraversal(key):
		return invalidKey(key, "object key cannot contain path traversal sequences")
	case hasControlCharacters(key):
		return invalidKey(key, "object key cannot contain control characters")
	}
	return nil
}

// ValidateKeyPrefix validates a key prefix. An empty prefix is allowed.
func ValidateKeyPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	return ValidateObjectKey(prefix)
}

func invalidBucket(bucket, message string) error {
	return relayerrors.NewKindError("validateBucketName", relayerrors.KindInvalidArgument,
		errors.New(message)).WithMessage("bucket " + bucket)
}

func invalidKey(key, message string) error {
	return relayerrors.NewKindError("validateObjectKey", relayerrors.KindInvalidArgument,
		errors.New(message)).WithKey(key)
}

func isValidBucketChar(char rune) bool {
	return (char >= '0' && char <= '9') || (char >= 'a' && char <= 'z') || char == '.' || char == '-'
}

func hasPathTraversal(key string) bool {
	if strings.HasPrefix(key, "/") {
		return true
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return true
		}
	}
	return strings.HasPrefix(path.Clean(key), "..")
}

func hasControlCharacters(key string) bool {
	for _, char := range key {
		if unicode.IsControl(char) {
			return true
		}
	}
	return false
}
