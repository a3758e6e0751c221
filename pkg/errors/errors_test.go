package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"permission", fmt.Errorf("read dir: %w", ErrPermissionDenied), KindTransient},
		{"timeout", ErrTimeout, KindTransient},
		{"corrupt segment", fmt.Errorf("open: %w", ErrCorruptSegment), KindCorruption},
		{"corrupt manifest", ErrCorruptManifest, KindCorruption},
		{"overflow", ErrOverflow, KindOverflow},
		{"syntax", Syntaxf("dangling %q", "AND"), KindSyntax},
		{"fatal", fmt.Errorf("commit: %w", ErrIndexUnwritable), KindFatal},
		{"explicit kind wins", New(KindFatal, "flush", "/x", errors.New("disk full")), KindFatal},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(KindTransient, "read dir", "/root/secret", ErrPermissionDenied)
	assert.Equal(t, "read dir /root/secret: permission denied", err.Error())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.True(t, IsFatal(New(KindFatal, "commit", "", errors.New("no space"))))
	assert.False(t, IsFatal(err))
}
