package utils

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateReference builds a PREFIX_YYYYMMDD_XXXXXXXX reference for
// payments that arrive without a provider receipt. The suffix comes from a
// random uuid; the unique index on transaction ids still has the last word.
func GenerateReference(prefix string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return prefix + "_" + time.Now().UTC().Format("20060102") + "_" + suffix
}
