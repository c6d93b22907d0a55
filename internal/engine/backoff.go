package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Backoff computes retry delays as Base * 2^retryCount, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := b.Base
	for i := 0; i < retryCount; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

var idempotencyNamespace = uuid.MustParse("6f1c2b8e-4d7a-5e39-9c0b-2a4f6d8e1b37")

// IdempotencyKey derives the connector idempotency key of one try. The retry
// series separates tries made after a manual retry from dead letter, which
// restarts retryCount at zero.
func IdempotencyKey(operationID int64, retrySeries, retryCount int) string {
	name := fmt.Sprintf("%d:%d:%d", operationID, retrySeries, retryCount)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// ConfirmationKey identifies the attempt that settles an accepted try, either
// through Confirm or by timing out.
func ConfirmationKey(operationID int64, retrySeries, retryCount int) string {
	name := fmt.Sprintf("%d:%d:%d:confirm", operationID, retrySeries, retryCount)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
