package postgres

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/peritoai/periti/internal/store"
)

const leaseTokenVersion = "v1" // Lease token format version for future compatibility

// leaseToken identifies one claim of a task. The receipt handle changes on every claim, so
// a token from an earlier claim no longer matches the row.
// Format: base64url(version|task_id|receipt_handle|hmac_signature)
type leaseToken struct {
	TaskID        string
	ReceiptHandle string
}

// encodeLeaseToken creates a signed lease token for a claimed task.
func (s *TaskStore) encodeLeaseToken(taskID, receiptHandle string) string {
	data := fmt.Sprintf("%s|%s|%s", leaseTokenVersion, taskID, receiptHandle)
	signed := fmt.Sprintf("%s|%s", data, s.sign(data))
	return base64.URLEncoding.EncodeToString([]byte(signed))
}

// decodeLeaseToken extracts and verifies the components of a lease token.
func (s *TaskStore) decodeLeaseToken(token string) (*leaseToken, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", store.ErrInvalidLease)
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding: %v", store.ErrInvalidLease, err)
	}

	parts := strings.Split(string(data), "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 parts (version|task_id|receipt|sig), got %d", store.ErrInvalidLease, len(parts))
	}

	version, taskID, receiptHandle, providedSig := parts[0], parts[1], parts[2], parts[3]

	if version != leaseTokenVersion {
		return nil, fmt.Errorf("%w: unsupported version %s (expected %s)", store.ErrInvalidLease, version, leaseTokenVersion)
	}

	if taskID == "" || receiptHandle == "" {
		return nil, fmt.Errorf("%w: empty component in token", store.ErrInvalidLease)
	}

	expectedSig := s.sign(fmt.Sprintf("%s|%s|%s", version, taskID, receiptHandle))

	// Constant-time comparison
	if !hmac.Equal([]byte(expectedSig), []byte(providedSig)) {
		return nil, fmt.Errorf("%w: invalid signature", store.ErrInvalidLease)
	}

	return &leaseToken{
		TaskID:        taskID,
		ReceiptHandle: receiptHandle,
	}, nil
}

func (s *TaskStore) sign(data string) string {
	h := hmac.New(sha256.New, s.cfg.LeaseSigningSecret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
