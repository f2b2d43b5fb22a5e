package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transaction number prefixes.
const (
	PrefixSale     = "POS"
	PrefixDispense = "RX"
)

// NewTransactionNumber renders PREFIX-<PHARM4>-<yyyymmddHHMMSS>-<6hex>. The
// random suffix keeps numbers unique within one second.
func NewTransactionNumber(prefix string, pharmacyID uuid.UUID, now time.Time) string {
	id := strings.ReplaceAll(pharmacyID.String(), "-", "")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s-%s-%s",
		prefix,
		strings.ToUpper(id[len(id)-4:]),
		now.UTC().Format("20060102150405"),
		strings.ToUpper(suffix[:6]),
	)
}
