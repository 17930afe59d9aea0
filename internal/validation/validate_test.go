package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	relayerrors "github.com/input-output-hk/catalyst-forge-libs/relay/errors"
)

func TestValidateBucketName(t *testing.T) {
	tests := []struct {
		name    string
		bucket  string
		wantErr bool
	}{
		{name: "valid", bucket: "my-upload-bucket", wantErr: false},
		{name: "valid with dots", bucket: "uploads.example.com", wantErr: false},
		{name: "empty", bucket: "", wantErr: true},
		{name: "too short", bucket: "ab", wantErr: true},
		{name: "too long", bucket: strings.Repeat("a", 64), wantErr: true},
		{name: "uppercase", bucket: "MyBucket", wantErr: true},
		{name: "underscore", bucket: "my_bucket", wantErr: true},
		{name: "leading hyphen", bucket: "-bucket", wantErr: true},
		{name: "trailing dot", bucket: "bucket.", wantErr: true},
		{name: "ip address", bucket: "192.168.1.1", wantErr: true},
		{name: "adjacent dots", bucket: "my..bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBucketName(tt.bucket)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, relayerrors.KindInvalidArgument, relayerrors.KindOf(err))
		})
	}
}

func TestValidateObjectKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "simple", key: "uploads/file.bin", wantErr: false},
		{name: "dotted name", key: "uploads/archive..tar", wantErr: false},
		{name: "empty", key: "", wantErr: true},
		{name: "too long", key: strings.Repeat("k", MaxKeyLength+1), wantErr: true},
		{name: "absolute", key: "/etc/passwd", wantErr: true},
		{name: "traversal", key: "uploads/../../secret", wantErr: true},
		{name: "control character", key: "uploads/\x00file", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateObjectKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, relayerrors.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKeyPrefix(t *testing.T) {
	assert.NoError(t, ValidateKeyPrefix(""))
	assert.NoError(t, ValidateKeyPrefix("incoming"))
	assert.Error(t, ValidateKeyPrefix("../incoming"))
}
